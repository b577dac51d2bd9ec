package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const definitions = `
app:
  template: default
  base_definition:
    repo:
      include_paths: [src]
    steps:
      build:
        image: golang:1.24
        execute: [make, build]
        vars: {GOFLAGS: -mod=mod}
      test:
        image: golang:1.24
        depends: [build]
    traits:
      version: {}
  jobs:
    head-update:
      traits:
        release: {}
        scheduling: {suppress_parallel_execution: true}
    pr:
      traits:
        pull-request: {}
    nightly:
      traits:
        cron: {interval: 24h}
`

func descriptor(t *testing.T) models.DefinitionDescriptor {
	t.Helper()
	doc, err := definition.ParseDocument([]byte(definitions))
	require.NoError(t, err)
	return definition.Preprocess(models.DefinitionDescriptor{
		PipelineName:  "app",
		RawDefinition: doc.Definitions["app"],
		MainRepo:      &models.MainRepo{Path: "org/app", Branch: "master", Hostname: "github.com"},
		TargetBackend: "ci",
		TargetTeam:    "team",
	})
}

func newRenderer(t *testing.T, opts Options) *Renderer {
	t.Helper()
	opts.Logger = logging.NewNopLogger()
	opts.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

type renderedPipeline struct {
	Resources []struct {
		Name         string                 `yaml:"name"`
		Type         string                 `yaml:"type"`
		WebhookToken string                 `yaml:"webhook_token"`
		Source       map[string]interface{} `yaml:"source"`
	} `yaml:"resources"`
	Jobs []struct {
		Name   string                   `yaml:"name"`
		Serial bool                     `yaml:"serial"`
		Plan   []map[string]interface{} `yaml:"plan"`
	} `yaml:"jobs"`
}

func TestRenderDefaultTemplate(t *testing.T) {
	r := newRenderer(t, Options{WebhookToken: "hook"})

	result := r.Render(context.Background(), descriptor(t))
	require.NoError(t, result.Err)
	require.Equal(t, models.RenderSucceeded, result.Status)

	var p renderedPipeline
	require.NoError(t, yaml.Unmarshal([]byte(result.PipelineText), &p))

	names := map[string]string{}
	for _, res := range p.Resources {
		names[res.Name] = res.Type
	}
	assert.Equal(t, map[string]string{
		"org_app":      "git",
		"org_app_pr":   "pull-request",
		"nightly-cron": "time",
	}, names)

	require.Len(t, p.Jobs, 3)
	assert.Equal(t, []string{"head-update", "nightly", "pr"}, []string{p.Jobs[0].Name, p.Jobs[1].Name, p.Jobs[2].Name})
	assert.True(t, p.Jobs[0].Serial)
	// inputs, version, build, test, release, put
	assert.Len(t, p.Jobs[0].Plan, 6)

	assert.ElementsMatch(t, []string{"org_app", "org_app_pr"}, result.WebhookResources)
}

func TestRenderWithoutWebhookToken(t *testing.T) {
	r := newRenderer(t, Options{})
	result := r.Render(context.Background(), descriptor(t))
	require.NoError(t, result.Err)
	assert.Empty(t, result.WebhookResources)
	assert.NotContains(t, result.PipelineText, "webhook_token")
}

func TestRenderAppliesOverridesInOrder(t *testing.T) {
	r := newRenderer(t, Options{})
	d := descriptor(t)
	d.OverrideDefinitions = []map[string]interface{}{
		{"base_definition": map[string]interface{}{"steps": map[string]interface{}{
			"build": map[string]interface{}{"image": "golang:1.22"},
		}}},
		{"base_definition": map[string]interface{}{"steps": map[string]interface{}{
			"build": map[string]interface{}{"image": "golang:1.23"},
		}}},
	}

	result := r.Render(context.Background(), d)
	require.NoError(t, result.Err)
	assert.Contains(t, result.PipelineText, `tag: "1.23"`)
	assert.NotContains(t, result.PipelineText, `tag: "1.22"`)
}

func TestRenderFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+TemplateExtension), []byte("a: [{{ .Name }}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unknownfield"+TemplateExtension), []byte("{{ .Nope }}"), 0o600))
	r := newRenderer(t, Options{TemplateDir: dir})

	withTemplate := func(name string) models.DefinitionDescriptor {
		d := descriptor(t)
		raw := map[string]interface{}{}
		for k, v := range d.RawDefinition {
			raw[k] = v
		}
		raw["template"] = name
		return d.WithRawDefinition(raw)
	}

	tests := []struct {
		name       string
		descriptor models.DefinitionDescriptor
		errType    errors.ErrorType
	}{
		{"enumeration error", models.DefinitionDescriptor{PipelineName: "x", Err: errors.BackendError("boom", nil)}, errors.ErrTypeBackend},
		{"definition error", models.DefinitionDescriptor{PipelineName: "x", RawDefinition: map[string]interface{}{"jobs": "nope"}}, errors.ErrTypeDefinition},
		{"unknown template", withTemplate("missing"), errors.ErrTypeDefinition},
		{"invalid yaml output", withTemplate("broken"), errors.ErrTypeInternal},
		{"template programming error", withTemplate("unknownfield"), errors.ErrTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Render(context.Background(), tt.descriptor)
			assert.Equal(t, models.RenderFailed, result.Status)
			require.Error(t, result.Err)
			assert.Equal(t, tt.errType, errors.GetType(result.Err))
		})
	}
}

func TestRenderFromTemplateDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default"+TemplateExtension),
		[]byte("name: {{ quote .Name }}\njobs: {{ len .Jobs }}\n"), 0o600))
	r := newRenderer(t, Options{TemplateDir: dir})

	result := r.Render(context.Background(), descriptor(t))
	require.NoError(t, result.Err)
	assert.Equal(t, "name: \"app-master\"\njobs: 3\n", result.PipelineText)
	assert.Empty(t, result.WebhookResources)
}

func TestSplitImage(t *testing.T) {
	tests := []struct{ ref, repo, tag string }{
		{"golang:1.24", "golang", "1.24"},
		{"registry:5000/team/img", "registry:5000/team/img", "latest"},
		{"registry:5000/team/img:v1", "registry:5000/team/img", "v1"},
		{"img@sha256:abc", "img", "sha256:abc"},
	}
	for _, tt := range tests {
		repo, tag := splitImage(tt.ref)
		assert.Equal(t, tt.repo, repo, tt.ref)
		assert.Equal(t, tt.tag, tag, tt.ref)
	}
}
