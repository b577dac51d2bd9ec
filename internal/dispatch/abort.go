package dispatch

import (
	"context"
	stderrors "errors"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/models"
	"ci-replicator/internal/observability"
	"ci-replicator/internal/pipeline"
	"ci-replicator/internal/pipeline/traits"
	"ci-replicator/internal/replication"

	"github.com/samber/lo"
)

// DefaultAbortMaxBuilds is how many running builds of a job are inspected per push
const DefaultAbortMaxBuilds = 5

// buildScanFactor sizes the history page searched for running builds
const buildScanFactor = 10

// Compare statuses of before...after that mean the push rewrote history
const (
	compareDiverged = "diverged"
	compareBehind   = "behind"
)

// EnumeratorFactory returns the definition enumerator for one repository
type EnumeratorFactory func(host, owner, name string) (definition.Enumerator, error)

// abortCandidate is a job whose scheduling trait asks for obsolete builds to be aborted
type abortCandidate struct {
	target   models.Target
	pipeline string
	job      string
	policy   traits.AbortPolicy
}

// BuildAbortEngine aborts running builds made obsolete by a push
type BuildAbortEngine struct {
	store       *config.Store
	github      definition.ClientProvider
	backends    replication.ClientSource
	enumerators EnumeratorFactory
	compiler    *pipeline.Compiler
	maxBuilds   int
	metrics     *observability.Metrics
	logger      logging.Logger
}

// NewBuildAbortEngine creates an engine inspecting up to maxBuilds running builds per job
func NewBuildAbortEngine(store *config.Store, gh definition.ClientProvider, backends replication.ClientSource,
	enumerators EnumeratorFactory, maxBuilds int, metrics *observability.Metrics, logger logging.Logger) *BuildAbortEngine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if maxBuilds <= 0 {
		maxBuilds = DefaultAbortMaxBuilds
	}
	logger = logger.WithFields(logging.String("component", "build_abort"))
	return &BuildAbortEngine{
		store:       store,
		github:      gh,
		backends:    backends,
		enumerators: enumerators,
		compiler:    pipeline.NewCompiler(logger),
		maxBuilds:   maxBuilds,
		metrics:     metrics,
		logger:      logger,
	}
}

// AbortObsoleteBuilds aborts running builds of the pushed branch's jobs that were started
// for the push's previous head. It returns the ids of aborted builds.
func (e *BuildAbortEngine) AbortObsoleteBuilds(ctx context.Context, host string, ev PushEvent) ([]int, error) {
	branch, ok := ev.Branch()
	if !ok || ev.Deleted || !ev.HasPrevious() {
		return nil, nil
	}
	owner, name := ev.Repository.Split()
	logger := e.logger.WithFields(
		logging.String("repository", ev.Repository.FullName),
		logging.String("branch", branch),
	)

	candidates, err := e.candidates(ctx, host, owner, name, branch)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var forced *bool
	isForced := func() bool {
		if forced == nil {
			v := e.forcePushed(ctx, host, owner, name, ev, logger)
			forced = &v
		}
		return *forced
	}

	var aborted []int
	var errs []error
	cfg := e.store.Current()
	for _, c := range candidates {
		if c.policy == traits.AbortOnForcePushOnly && !isForced() {
			continue
		}
		client, err := e.backends.ForTarget(ctx, cfg, c.target.Backend, c.target.Team)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids, err := e.abortJob(ctx, client, c, ev.Before, logger)
		aborted = append(aborted, ids...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return aborted, stderrors.Join(errs...)
}

// candidates compiles the repository's definitions for branch and collects the jobs with
// an abort policy other than never. Each variant is deployed as a job of the same name.
func (e *BuildAbortEngine) candidates(ctx context.Context, host, owner, name, branch string) ([]abortCandidate, error) {
	enumerator, err := e.enumerators(host, owner, name)
	if err != nil {
		return nil, err
	}

	var out []abortCandidate
	for d := range enumerator.Enumerate(ctx) {
		if d.Failed() || d.MainRepo == nil || d.MainRepo.Branch != branch {
			continue
		}
		variants, err := e.compiler.Compile(d)
		if err != nil {
			e.logger.Debug("Skipping uncompilable definition", logging.String("pipeline", d.PipelineName), logging.Err(err))
			continue
		}
		for _, v := range variants {
			t, _ := v.Trait(traits.NameScheduling)
			scheduling, ok := t.(*traits.SchedulingTrait)
			if !ok {
				continue
			}
			policy := scheduling.AbortObsoleteBuilds
			if policy == "" || policy == traits.AbortNever {
				continue
			}
			out = append(out, abortCandidate{
				target:   d.Target(),
				pipeline: d.EffectivePipelineName(),
				job:      v.Name(),
				policy:   policy,
			})
		}
	}
	return out, nil
}

// forcePushed trusts the event's forced flag and otherwise asks the source-control host
// how the new head relates to the old one
func (e *BuildAbortEngine) forcePushed(ctx context.Context, host, owner, name string, ev PushEvent, logger logging.Logger) bool {
	if ev.Forced {
		return true
	}
	client, err := e.github.For(host)
	if err != nil {
		logger.Warn("No source-control client, assuming fast-forward", logging.Err(err))
		return false
	}
	status, err := client.CompareStatus(ctx, owner, name, ev.Before, ev.After)
	if err != nil {
		logger.Warn("Compare failed, assuming fast-forward", logging.Err(err))
		return false
	}
	return status == compareDiverged || status == compareBehind
}

func (e *BuildAbortEngine) abortJob(ctx context.Context, client concourse.Client, c abortCandidate, before string, logger logging.Logger) ([]int, error) {
	builds, err := client.Builds(ctx, c.pipeline, c.job, e.maxBuilds*buildScanFactor)
	if err != nil {
		return nil, err
	}
	running := lo.Filter(builds, func(b concourse.Build, _ int) bool { return b.Running() })
	if len(running) > e.maxBuilds {
		running = running[:e.maxBuilds]
	}

	var aborted []int
	for _, b := range running {
		inputs, err := client.BuildInputs(ctx, b.ID)
		if err != nil {
			logger.Warn("Failed to read build inputs", logging.Int("build", b.ID), logging.Err(err))
			continue
		}
		if !referencesAny(inputs, before) {
			continue
		}
		if err := client.AbortBuild(ctx, b.ID); err != nil {
			logger.Error("Failed to abort build", err, logging.Int("build", b.ID))
			continue
		}
		e.metrics.RecordBuildAborted(ctx)
		logger.Info("Aborted obsolete build",
			logging.String("pipeline", c.pipeline),
			logging.String("job", c.job),
			logging.Int("build", b.ID),
			logging.String("policy", string(c.policy)),
		)
		aborted = append(aborted, b.ID)
	}
	return aborted, nil
}

func referencesAny(inputs []concourse.BuildInput, ref string) bool {
	for _, in := range inputs {
		if in.References(ref) {
			return true
		}
	}
	return false
}
