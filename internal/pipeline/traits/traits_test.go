package traits

import (
	"testing"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/pipeline/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, name string, raw interface{}) Trait {
	t.Helper()
	tr, err := New(name, raw)
	require.NoError(t, err)
	return tr
}

func names(ts []Trait) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name()
	}
	return out
}

func TestValidateRegistry(t *testing.T) {
	require.NoError(t, Validate())
	assert.Len(t, Names(), 9)
}

func TestNew_UnknownTrait(t *testing.T) {
	_, err := New("deploy-to-moon", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeDefinition))
	assert.Contains(t, err.Error(), "unknown trait")
}

func TestNew_Defaults(t *testing.T) {
	v := mustNew(t, NameVersion, nil).(*VersionTrait)
	assert.Equal(t, "inject-commit-hash", v.Preprocess)
	assert.Equal(t, "VERSION", v.VersionFile)

	r := mustNew(t, NameRelease, map[string]interface{}{"release_notes_policy": "disabled"}).(*ReleaseTrait)
	assert.Equal(t, "bump_minor", r.NextVersion)
	assert.Equal(t, "disabled", r.ReleaseNotesPolicy)

	pr := mustNew(t, NamePullRequest, map[string]interface{}{
		"policies": map[string]interface{}{"replacement-label": "needs/ok-to-test"},
	}).(*PullRequestTrait)
	assert.Equal(t, DefaultRequiredLabel, pr.Policies.RequireLabel)
	assert.Equal(t, "needs/ok-to-test", pr.Policies.ReplacementLabel)
	assert.True(t, pr.Policies.BuildForks)

	s := mustNew(t, NameScheduling, nil).(*SchedulingTrait)
	assert.Equal(t, AbortNever, s.AbortObsoleteBuilds)

	scan := mustNew(t, NameImageScan, nil).(*ImageScanTrait)
	assert.Equal(t, 12, scan.ParallelJobs)

	p := mustNew(t, NamePublish, map[string]interface{}{
		"dockerimages": map[string]interface{}{"app": map[string]interface{}{"image": "eu.gcr.io/org/app"}},
	}).(*PublishTrait)
	assert.Equal(t, "Dockerfile", p.DockerImages["app"].Dockerfile)
	assert.Equal(t, ".", p.DockerImages["app"].Dir)
}

func TestNew_InvalidAttributes(t *testing.T) {
	tests := []struct {
		name  string
		trait string
		raw   interface{}
	}{
		{"unknown attribute", NameVersion, map[string]interface{}{"preproces": "finalize"}},
		{"bad preprocess", NameVersion, map[string]interface{}{"preprocess": "guess"}},
		{"bad nextversion", NameRelease, map[string]interface{}{"nextversion": "bump_everything"}},
		{"publish without images", NamePublish, nil},
		{"publish image with bad chars", NamePublish, map[string]interface{}{
			"dockerimages": map[string]interface{}{"app": map[string]interface{}{"image": "eu.gcr.io/Org App"}},
		}},
		{"abort policy", NameScheduling, map[string]interface{}{"abort_obsolete_builds": "sometimes"}},
		{"cron without trigger", NameCron, nil},
		{"cron with both triggers", NameCron, map[string]interface{}{"interval": "5m", "schedule": "@daily"}},
		{"cron bad schedule", NameCron, map[string]interface{}{"schedule": "every tuesday"}},
		{"cron bad interval", NameCron, map[string]interface{}{"interval": "-5m"}},
		{"image scan zero jobs", NameImageScan, map[string]interface{}{"parallel_jobs": 0}},
		{"merge policy", NameUpdateDependencies, map[string]interface{}{"merge_policy": "yolo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.trait, tt.raw)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeDefinition), err.Error())
		})
	}
}

func TestCronTrait_Period(t *testing.T) {
	c := mustNew(t, NameCron, map[string]interface{}{"schedule": "0 * * * *"}).(*CronTrait)
	assert.Equal(t, time.Hour, c.Period(time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)))

	c = mustNew(t, NameCron, map[string]interface{}{"interval": "10m"}).(*CronTrait)
	assert.Equal(t, 10*time.Minute, c.Period(time.Now()))
}

func TestOrder(t *testing.T) {
	image := map[string]interface{}{
		"dockerimages": map[string]interface{}{"app": map[string]interface{}{"image": "org/app"}},
	}
	ts := []Trait{
		mustNew(t, NameImageScan, nil),
		mustNew(t, NameComponentDescriptor, nil),
		mustNew(t, NameRelease, nil),
		mustNew(t, NamePublish, image),
		mustNew(t, NameVersion, nil),
	}

	ordered, err := Order(ts)
	require.NoError(t, err)
	assert.Equal(t, []string{NameVersion, NameRelease, NamePublish, NameComponentDescriptor, NameImageScan}, names(ordered))

	again, err := Order([]Trait{ts[3], ts[0], ts[4], ts[1], ts[2]})
	require.NoError(t, err)
	assert.Equal(t, names(ordered), names(again))
}

func newBuilder(t *testing.T, steps ...string) *core.VariantBuilder {
	t.Helper()
	b := core.NewVariantBuilder("default")
	require.NoError(t, b.AddRepository(core.RepoConfig{
		Name: core.MainRepositoryName, Path: "org/app", Branch: "master", Hostname: "github.com", Main: true,
	}))
	for _, s := range steps {
		require.NoError(t, b.AddStep(core.Step{Name: s}))
	}
	return b
}

func TestApply_VersionAndRelease(t *testing.T) {
	b := newBuilder(t, "build", "test")
	require.NoError(t, Apply(b, []Trait{mustNew(t, NameRelease, nil), mustNew(t, NameVersion, nil)}))

	v, err := b.Build()
	require.NoError(t, err)

	build, _ := v.Step("build")
	assert.Equal(t, []string{"version"}, build.Upstream())
	release, _ := v.Step(ReleaseStepName)
	assert.ElementsMatch(t, []string{"build", "test", "version"}, release.Upstream())
	version, _ := v.Step(VersionStepName)
	assert.True(t, version.Synthetic)
	assert.Empty(t, version.Upstream())
	assert.Equal(t, []string{core.MainRepositoryName}, v.PublishRepositories())
	assert.Equal(t, []string{NameVersion, NameRelease}, names(toTraits(v.Traits())))
}

func toTraits(cts []core.Trait) []Trait {
	out := make([]Trait, len(cts))
	for i, ct := range cts {
		out[i] = ct.(Trait)
	}
	return out
}

func TestApply_PublishAndComponentDescriptor(t *testing.T) {
	b := newBuilder(t, "build")
	image := map[string]interface{}{
		"dockerimages": map[string]interface{}{"app": map[string]interface{}{"image": "org/app"}},
	}
	cd := mustNew(t, NameComponentDescriptor, nil)
	require.NoError(t, Apply(b, []Trait{
		cd,
		mustNew(t, NamePublish, image),
		mustNew(t, NameImageScan, nil),
		mustNew(t, NameUpdateDependencies, nil),
	}))

	v, err := b.Build()
	require.NoError(t, err)

	prepare, _ := v.Step(PrepareStepName)
	assert.Equal(t, []string{"build"}, prepare.Upstream())
	publish, _ := v.Step(PublishStepName)
	assert.Equal(t, []string{PrepareStepName}, publish.Upstream())
	desc, _ := v.Step(ComponentDescriptorStepName)
	assert.ElementsMatch(t, []string{"build", PublishStepName}, desc.Upstream())
	scan, _ := v.Step(ScanImagesStepName)
	assert.Equal(t, []string{ComponentDescriptorStepName}, scan.Upstream())
	assert.Equal(t, "github.com/org/app", cd.(*ComponentDescriptorTrait).ComponentName)
	assert.Equal(t, []string{core.MainRepositoryName}, v.PublishRepositories())
}

func TestApply_Errors(t *testing.T) {
	t.Run("missing hard requirement", func(t *testing.T) {
		err := Apply(newBuilder(t, "build"), []Trait{mustNew(t, NameRelease, nil)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `requires trait "version"`)
	})

	t.Run("missing ordering dependency is ignored", func(t *testing.T) {
		require.NoError(t, Apply(newBuilder(t, "build"), []Trait{mustNew(t, NameComponentDescriptor, nil)}))
	})

	t.Run("injected step collides with user step", func(t *testing.T) {
		err := Apply(newBuilder(t, "version"), []Trait{mustNew(t, NameVersion, nil)})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeDefinition))
		assert.Contains(t, err.Error(), "duplicate step name")
	})

	t.Run("pull request without main repository", func(t *testing.T) {
		b := core.NewVariantBuilder("pr")
		err := Apply(b, []Trait{mustNew(t, NamePullRequest, nil)})
		require.Error(t, err)
	})
}

func TestApply_PullRequest(t *testing.T) {
	b := newBuilder(t, "build")
	require.NoError(t, Apply(b, []Trait{mustNew(t, NamePullRequest, nil)}))

	v, err := b.Build()
	require.NoError(t, err)
	main, ok := v.MainRepository()
	require.True(t, ok)
	assert.True(t, main.PullRequest)
	assert.Equal(t, DefaultRequiredLabel, main.RequireLabel)
	assert.True(t, v.IsPullRequest())
}
