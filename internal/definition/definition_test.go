package definition

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/config"
	"ci-replicator/internal/models"
	"ci-replicator/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoPipelines = `
app:
  base_definition:
    steps:
      build: {image: "golang:1.24"}
  jobs:
    head-update: {}
tools:
  variants:
    nightly: {}
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(twoPipelines))
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "tools"}, doc.Names)
	assert.Contains(t, doc.Definitions["app"], "base_definition")
}

func TestParseDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid yaml", "app: [unclosed"},
		{"not a mapping", "- a\n- b"},
		{"definition not a mapping", "app: 3"},
		{"unknown attribute", "app:\n  jobs: {a: {}}\n  stepz: {}"},
		{"no variants", "app:\n  base_definition: {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeDefinition))
		})
	}
}

func TestParseDocumentEmpty(t *testing.T) {
	doc, err := ParseDocument([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, doc.Names)
}

const branchCfg = `
cfgs:
  release:
    branches: ['rel-.*']
    inherit:
      app:
        base_definition:
          traits:
            version: {preprocess: finalize}
  default:
    branches: ['master', 'rel-1\.0']
`

func TestParseBranchConfigKeepsOrder(t *testing.T) {
	cfg, err := ParseBranchConfig([]byte(branchCfg))
	require.NoError(t, err)
	require.Len(t, cfg.Entries, 2)
	assert.Equal(t, "release", cfg.Entries[0].Name)
	assert.Equal(t, "default", cfg.Entries[1].Name)

	// both entries match rel-1.0; the first one wins
	e, ok := cfg.Match("rel-1.0")
	require.True(t, ok)
	assert.Equal(t, "release", e.Name)

	_, ok = cfg.Override("rel-1.0", "app")
	assert.True(t, ok)
	_, ok = cfg.Override("master", "app")
	assert.False(t, ok)

	// patterns match whole names
	_, ok = cfg.Match("feature-master")
	assert.False(t, ok)

	assert.Equal(t, []string{"master", "rel-2"}, cfg.SelectBranches([]string{"master", "dev", "rel-2"}))
}

func TestParseBranchConfigErrors(t *testing.T) {
	for _, doc := range []string{
		"cfgs: [a]",
		"cfgs:\n  a:\n    branches: ['(']",
		"cfgs:\n  a:\n    inherit: {app: 1}",
	} {
		_, err := ParseBranchConfig([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestPreprocessInjectsMainRepository(t *testing.T) {
	raw := map[string]interface{}{
		"base_definition": map[string]interface{}{
			"repo": map[string]interface{}{"include_paths": []interface{}{"src"}},
		},
		"jobs": map[string]interface{}{"a": map[string]interface{}{}},
	}
	d := models.DefinitionDescriptor{
		PipelineName:  "app",
		RawDefinition: raw,
		MainRepo:      &models.MainRepo{Path: "org/app", Branch: "dev", Hostname: "github.com"},
	}

	out := Preprocess(d)
	repo := out.RawDefinition["base_definition"].(map[string]interface{})["repo"].(map[string]interface{})
	assert.Equal(t, "source", repo["name"])
	assert.Equal(t, "org/app", repo["path"])
	assert.Equal(t, "dev", repo["branch"])
	assert.Equal(t, "github.com", repo["hostname"])
	assert.Equal(t, []interface{}{"src"}, repo["include_paths"])

	// input untouched
	_, ok := raw["base_definition"].(map[string]interface{})["repo"].(map[string]interface{})["path"]
	assert.False(t, ok)
}

func newStore() *config.Store {
	return config.NewStaticStore(testutil.CIConfig())
}

func collect(e Enumerator) []models.DefinitionDescriptor {
	var out []models.DefinitionDescriptor
	for d := range e.Enumerate(context.Background()) {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func TestOrganisationEnumerator(t *testing.T) {
	gh := testutil.NewFakeGitHub("github.com")
	gh.AddRepository("org", "app", "master", "rel-1", "dev")
	gh.AddRepository("org", "empty", "master")
	gh.AddRepository("org", "broken", "main")
	gh.SetFile("org", "app", MetaCIRef, BranchConfigPath, branchCfg)
	gh.SetFile("org", "app", "master", DefinitionsPath, twoPipelines)
	gh.SetFile("org", "app", "rel-1", DefinitionsPath, twoPipelines)
	gh.SetFile("org", "app", "dev", DefinitionsPath, twoPipelines)
	gh.SetFile("org", "broken", "main", DefinitionsPath, "app: [")

	e := NewOrganisationEnumerator(newStore(), testutil.GitHubClients{"github.com": gh}, logging.NewNopLogger()).WithWorkers(2)
	got := collect(e)

	var names []string
	var failed []models.DefinitionDescriptor
	for _, d := range got {
		if d.Failed() {
			failed = append(failed, d)
			continue
		}
		names = append(names, d.EffectivePipelineName())
		assert.Equal(t, "ci", d.TargetBackend)
		assert.Equal(t, "team", d.TargetTeam)
		assert.Equal(t, "org-mapping", d.JobMapping)
	}
	// dev matches no branch.cfg entry
	assert.ElementsMatch(t, []string{"app-master", "tools-master", "app-rel-1", "tools-rel-1"}, names)

	require.Len(t, failed, 1)
	assert.Equal(t, "org/broken", failed[0].MainRepo.Path)
	assert.Equal(t, "main", failed[0].MainRepo.Branch)

	for _, d := range got {
		if d.PipelineName == "app" && d.MainRepo.Branch == "rel-1" {
			assert.Len(t, d.OverrideDefinitions, 1)
		}
		if d.PipelineName == "tools" {
			assert.Empty(t, d.OverrideDefinitions)
		}
	}

	// sequences are restartable
	assert.Len(t, collect(e), len(got))
}

func TestOrganisationEnumeratorStopsEarly(t *testing.T) {
	gh := testutil.NewFakeGitHub("github.com")
	for _, name := range []string{"a", "b", "c", "d"} {
		gh.AddRepository("org", name)
		gh.SetFile("org", name, "master", DefinitionsPath, twoPipelines)
	}

	e := NewOrganisationEnumerator(newStore(), testutil.GitHubClients{"github.com": gh}, logging.NewNopLogger())
	count := 0
	for range e.Enumerate(context.Background()) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestOrganisationEnumeratorListFailure(t *testing.T) {
	gh := testutil.NewFakeGitHub("github.com")
	gh.ErrorOnMethod["OrgRepositories"] = errors.BackendError("unavailable", nil)

	got := collect(NewOrganisationEnumerator(newStore(), testutil.GitHubClients{"github.com": gh}, logging.NewNopLogger()))
	require.Len(t, got, 1)
	assert.True(t, got[0].Failed())
	assert.Equal(t, "org", got[0].PipelineName)
}

func TestRepositoryEnumerator(t *testing.T) {
	gh := testutil.NewFakeGitHub("github.com")
	gh.AddRepository("org", "app", "main")
	gh.SetFile("org", "app", "main", DefinitionsPath, twoPipelines)

	e, err := NewRepositoryEnumerator(newStore(), testutil.GitHubClients{"github.com": gh}, logging.NewNopLogger(), "", "org", "app")
	require.NoError(t, err)

	got := collect(e)
	require.Len(t, got, 2)
	assert.Equal(t, "app-main", got[0].EffectivePipelineName())
	assert.Equal(t, "tools-main", got[1].EffectivePipelineName())
}

func TestRepositoryEnumeratorUnknownRepository(t *testing.T) {
	_, err := NewRepositoryEnumerator(newStore(), testutil.GitHubClients{}, logging.NewNopLogger(), "github.example.com", "other", "app")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestFileEnumerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline_definitions")
	require.NoError(t, os.WriteFile(path, []byte(twoPipelines), 0o600))

	repo := &models.MainRepo{Path: "org/app", Branch: "master", Hostname: "github.com"}
	got := collect(NewFileEnumerator(path, repo, models.Target{Backend: "ci", Team: "team"}))
	require.Len(t, got, 2)
	assert.Equal(t, "ci", got[0].TargetBackend)
	assert.Contains(t, got[0].RawDefinition["base_definition"], "repo")

	got = collect(NewFileEnumerator(filepath.Join(t.TempDir(), "missing"), nil, models.Target{}))
	require.Len(t, got, 1)
	assert.True(t, got[0].Failed())
}
