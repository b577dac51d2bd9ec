package replication

import (
	"context"
	stderrors "errors"
	"iter"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/locks"
	"ci-replicator/internal/models"
	"ci-replicator/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineText = `resources:
- name: org_app
  type: git
  webhook_token: token
  source:
    uri: https://github.com/org/app.git
jobs: []
`

type sliceEnumerator []models.DefinitionDescriptor

func (s sliceEnumerator) Enumerate(_ context.Context) iter.Seq[models.DefinitionDescriptor] {
	return slices.Values(s)
}

type rendererFunc func(ctx context.Context, d models.DefinitionDescriptor) models.RenderResult

func (f rendererFunc) Render(ctx context.Context, d models.DefinitionDescriptor) models.RenderResult {
	return f(ctx, d)
}

func staticRenderer(delay func() time.Duration) Renderer {
	return rendererFunc(func(_ context.Context, d models.DefinitionDescriptor) models.RenderResult {
		if d.Failed() {
			return models.RenderResult{Descriptor: d, Status: models.RenderFailed, Err: d.Err}
		}
		if delay != nil {
			time.Sleep(delay())
		}
		return models.RenderResult{
			Descriptor:       d,
			Status:           models.RenderSucceeded,
			PipelineText:     pipelineText,
			WebhookResources: []string{"org_app"},
		}
	})
}

type recordingNotifier struct {
	err      error
	notified []string
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, r models.DeployResult) error {
	n.notified = append(n.notified, r.PipelineName())
	return n.err
}

func descriptor(name, repo, branch string) models.DefinitionDescriptor {
	return models.DefinitionDescriptor{
		PipelineName:  name,
		MainRepo:      &models.MainRepo{Path: repo, Branch: branch, Hostname: "github.com"},
		TargetBackend: "ci",
		TargetTeam:    "team",
		JobMapping:    "org-mapping",
	}
}

type fixture struct {
	fake       *testutil.FakeConcourse
	store      *config.Store
	clients    *concourse.ClientCache
	renderer   Renderer
	locks      *locks.LocalManager
	keep       *KeepFilter
	notifier   FailureNotifier
	replicator *Replicator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := testutil.NewFakeConcourse("https://ci.example.com", "team")
	f := &fixture{
		fake:     fake,
		store:    config.NewStaticStore(testutil.CIConfig()),
		clients:  concourse.NewClientCache(testutil.ConcourseFactory(map[string]*testutil.FakeConcourse{"team": fake}), time.Minute),
		renderer: staticRenderer(nil),
		locks:    locks.NewLocalManager(),
	}
	t.Cleanup(func() { _ = f.locks.Close() })
	return f
}

func (f *fixture) build() *Replicator {
	logger := logging.NewNopLogger()
	processor := NewResultProcessor(f.clients, f.store, ProcessorOptions{
		Keep:     f.keep,
		Notifier: f.notifier,
		Logger:   logger,
	})
	f.replicator = NewReplicator(f.renderer, NewDeployer(f.clients, f.store, logger), processor, Options{
		Workers: 4,
		Locks:   f.locks,
		Logger:  logger,
	})
	return f.replicator
}

func statuses(results []models.DeployResult) map[models.DeployStatus]int {
	out := map[models.DeployStatus]int{}
	for _, r := range results {
		out[r.Status]++
	}
	return out
}

func TestReplicateClaimsDuplicateNamesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		jitter := func() time.Duration { return time.Duration(rand.IntN(2000)) * time.Microsecond }
		f.renderer = staticRenderer(jitter)
		f.fake.Delay = jitter

		report, err := f.build().Replicate(context.Background(), sliceEnumerator{
			descriptor("app", "org/one", "master"),
			descriptor("app", "org/two", "master"),
		}, FullScope())
		require.NoError(t, err)
		require.Len(t, report.Results, 2)

		counts := statuses(report.Results)
		assert.Equal(t, 1, counts[models.DeploySucceeded|models.DeployCreated], "iteration %d", i)
		assert.Equal(t, 1, counts[models.DeploySkipped], "iteration %d", i)

		for _, r := range report.Results {
			if r.Status == models.DeploySkipped {
				assert.True(t, errors.IsType(r.Err, errors.ErrTypeConflict))
				assert.Contains(t, r.Err.Error(), "duplicate pipeline name")
			}
		}
		assert.Equal(t, []string{"app-master"}, f.fake.PipelineNames())
		assert.Equal(t, 1, f.fake.CallCount("SetPipeline"))
		assert.True(t, report.OK())
	}
}

func TestReplicateInitializesNewPipelinesOnce(t *testing.T) {
	f := newFixture(t)
	r := f.build()
	input := sliceEnumerator{descriptor("app", "org/app", "master")}

	report, err := r.Replicate(context.Background(), input, FullScope())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Status.Has(models.DeployCreated))

	p, ok := f.fake.Pipeline("app-master")
	require.True(t, ok)
	assert.False(t, p.Paused)
	assert.Equal(t, 1, f.fake.CallCount("UnpausePipeline"))
	assert.Equal(t, []string{"app-master/org_app"}, f.fake.CheckedResources())

	report, err = r.Replicate(context.Background(), input, FullScope())
	require.NoError(t, err)
	assert.Equal(t, models.DeploySucceeded, report.Results[0].Status)
	assert.Equal(t, 1, f.fake.CallCount("UnpausePipeline"))
	assert.Len(t, f.fake.CheckedResources(), 1)
}

func TestReplicateRemovesStalePipelines(t *testing.T) {
	f := newFixture(t)
	f.fake.AddPipeline("zz-old-master")
	f.fake.AddPipeline("replicator")
	f.fake.AddPipeline("keep-me")

	keep, err := NewKeepFilter(`name startsWith "keep"`, "replicator")
	require.NoError(t, err)
	f.keep = keep

	_, err = f.build().Replicate(context.Background(), sliceEnumerator{descriptor("app", "org/app", "master")}, FullScope())
	require.NoError(t, err)

	assert.Equal(t, []string{"zz-old-master"}, f.fake.Deleted)
	assert.Equal(t, []string{"app-master", "keep-me", "replicator"}, f.fake.PipelineNames())
}

func TestReplicateKeepsStalePipelines(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture) sliceEnumerator
	}{
		{
			name: "no cleanup policy",
			prepare: func(f *fixture) sliceEnumerator {
				cfg := testutil.CIConfig()
				cfg.JobMappings[0].CleanupPolicy = config.CleanupNoCleanup
				f.store = config.NewStaticStore(cfg)
				return sliceEnumerator{descriptor("app", "org/app", "master")}
			},
		},
		{
			name: "incomplete enumeration",
			prepare: func(f *fixture) sliceEnumerator {
				broken := models.DefinitionDescriptor{
					PipelineName:  "org",
					TargetBackend: "ci",
					TargetTeam:    "team",
					JobMapping:    "org-mapping",
					Err:           errors.BackendError("listing repositories failed", nil),
				}
				return sliceEnumerator{descriptor("app", "org/app", "master"), broken}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fake.AddPipeline("old-master")
			input := tt.prepare(f)

			_, err := f.build().Replicate(context.Background(), input, FullScope())
			require.NoError(t, err)
			assert.Empty(t, f.fake.Deleted)
			assert.Contains(t, f.fake.PipelineNames(), "old-master")
		})
	}
}

func TestReplicateNotifiesUserFacingFailures(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	f.notifier = notifier

	broken := descriptor("broken", "org/broken", "master").WithError(errors.DefinitionError("no such trait: foo"))
	crashed := descriptor("crashed", "org/crashed", "master").WithError(errors.InternalError("renderer crashed", nil))

	report, err := f.build().Replicate(context.Background(), sliceEnumerator{
		descriptor("app", "org/app", "master"), broken, crashed,
	}, FullScope())
	require.NoError(t, err)

	assert.True(t, report.OK())
	assert.Len(t, report.Failed(), 2)
	assert.Equal(t, []string{"broken-master"}, notifier.notified)
	for _, r := range report.Failed() {
		assert.Equal(t, StageEnumerate, r.Stage)
	}
}

func TestReplicateDoesNotNotifyMissingConfigElements(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	f.notifier = notifier

	orphan := descriptor("app", "org/app", "master")
	orphan.TargetTeam = "other"
	report, err := f.build().Replicate(context.Background(), sliceEnumerator{orphan}, FullScope())
	require.NoError(t, err)

	require.Len(t, report.Failed(), 1)
	assert.ErrorIs(t, report.Failed()[0].Err, errors.ErrConfigElementNotFound)
	assert.Empty(t, notifier.notified)
	assert.True(t, report.OK())
}

func TestReplicateReportsUndeliverableNotifications(t *testing.T) {
	f := newFixture(t)
	f.notifier = &recordingNotifier{err: errors.ConnectionError("smtp unavailable", nil)}

	broken := descriptor("broken", "org/broken", "master").WithError(errors.DefinitionError("bad"))
	report, err := f.build().Replicate(context.Background(), sliceEnumerator{broken}, FullScope())
	require.NoError(t, err)
	assert.False(t, report.OK())
}

func TestReplicateRejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	r := f.build()

	scope := RepositoryScope("github.com", "org", "app")
	held, err := f.locks.TryAcquire(context.Background(), scope.LockKey, time.Minute)
	require.NoError(t, err)

	_, err = r.Replicate(context.Background(), sliceEnumerator{descriptor("app", "org/app", "master")}, scope)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConflict))
	assert.Equal(t, 0, f.fake.CallCount("SetPipeline"))

	require.NoError(t, held.Release(context.Background()))
	report, err := r.Replicate(context.Background(), sliceEnumerator{descriptor("app", "org/app", "master")}, scope)
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
}

func TestDeployConflictIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.fake.ErrorOnMethod["SetPipeline"] = errors.ConflictError("pipeline app-master was modified concurrently")
	d := NewDeployer(f.clients, f.store, logging.NewNopLogger())

	rendered := staticRenderer(nil).Render(context.Background(), descriptor("app", "org/app", "master"))
	res := d.Deploy(context.Background(), rendered)

	assert.Equal(t, models.DeployFailed, res.Status)
	assert.Equal(t, StageDeploy, res.Stage)
	assert.True(t, errors.IsType(res.Err, errors.ErrTypeConflict))
	assert.Equal(t, 1, f.fake.CallCount("SetPipeline"))
}

func TestDeployUnknownTarget(t *testing.T) {
	f := newFixture(t)
	d := NewDeployer(f.clients, f.store, logging.NewNopLogger())

	desc := descriptor("app", "org/app", "master")
	desc.TargetTeam = "other"
	res := d.Deploy(context.Background(), staticRenderer(nil).Render(context.Background(), desc))

	assert.Equal(t, models.DeployFailed, res.Status)
	var appErr *errors.AppError
	assert.True(t, stderrors.As(res.Err, &appErr))
}

func TestKeepFilter(t *testing.T) {
	target := models.Target{Backend: "ci", Team: "team"}

	_, err := NewKeepFilter("name startsWith")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))

	f, err := NewKeepFilter(`team == "team" && name matches "^release-"`, "replicator")
	require.NoError(t, err)

	for name, want := range map[string]bool{
		"replicator":     true,
		"release-1.0":    true,
		"app-master":     false,
		"pre-release-17": false,
	} {
		got, err := f.Keep(target, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	var none *KeepFilter
	keep, err := none.Keep(target, "anything")
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestRepositoryRunKeepsOtherPipelines(t *testing.T) {
	f := newFixture(t)
	f.fake.AddPipeline("other-master")

	report, err := f.build().Replicate(context.Background(),
		sliceEnumerator{descriptor("app", "org/app", "master")},
		RepositoryScope("github.com", "org", "app"))
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	assert.Empty(t, f.fake.Deleted)
	assert.Equal(t, 0, f.fake.CallCount("OrderPipelines"))
	assert.ElementsMatch(t, []string{"other-master", "app-master"}, f.fake.PipelineNames())
}
