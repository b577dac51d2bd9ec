package replication

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/utils"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/locks"
	"ci-replicator/internal/models"
	"ci-replicator/internal/observability"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds concurrent render and deploy work
const DefaultWorkers = 16

// DefaultLockTTL bounds how long a crashed instance can block a repository
const DefaultLockTTL = 10 * time.Minute

// FullRunLockKey serializes organisation-wide runs across instances
const FullRunLockKey = "replicate:all"

// RepositoryLockKey serializes runs for one repository across instances
func RepositoryLockKey(host, owner, repo string) string {
	return fmt.Sprintf("replicate:%s/%s/%s", host, owner, repo)
}

// Scope describes what a run covers. Only complete runs know every desired pipeline of
// their targets and may remove the others.
type Scope struct {
	// LockKey, when set, is held for the duration of the run
	LockKey  string
	Complete bool
}

// FullScope covers every job mapping
func FullScope() Scope {
	return Scope{LockKey: FullRunLockKey, Complete: true}
}

// RepositoryScope covers the pipelines of one repository
func RepositoryScope(host, owner, repo string) Scope {
	return Scope{LockKey: RepositoryLockKey(host, owner, repo)}
}

// Renderer renders one descriptor; *render.Renderer implements it
type Renderer interface {
	Render(ctx context.Context, d models.DefinitionDescriptor) models.RenderResult
}

// Options configure a Replicator
type Options struct {
	Workers int
	Locks   locks.Manager
	LockTTL time.Duration
	Metrics *observability.Metrics
	Logger  logging.Logger
}

// Replicator runs descriptors through render and deploy and hands the results to the
// result processor
type Replicator struct {
	renderer  Renderer
	deployer  *Deployer
	processor *ResultProcessor
	locks     locks.Manager
	workers   int
	lockTTL   time.Duration
	metrics   *observability.Metrics
	logger    logging.Logger
}

// NewReplicator creates a replicator
func NewReplicator(renderer Renderer, deployer *Deployer, processor *ResultProcessor, opts Options) *Replicator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	lm := opts.Locks
	if lm == nil {
		lm = locks.NewLocalManager()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Replicator{
		renderer:  renderer,
		deployer:  deployer,
		processor: processor,
		locks:     lm,
		workers:   workers,
		lockTTL:   lockTTL,
		metrics:   metrics,
		logger:    logger.WithFields(logging.String("component", "replicator")),
	}
}

// Report is the outcome of one replication run
type Report struct {
	RunID   string
	Results []models.DeployResult
	// Notified is false when a failure notification could not be delivered
	Notified bool
}

// OK reports whether the run completed without undeliverable notifications
func (r *Report) OK() bool {
	return r != nil && r.Notified
}

// Failed returns the results that did not deploy
func (r *Report) Failed() []models.DeployResult {
	var out []models.DeployResult
	for _, res := range r.Results {
		if !res.Status.OK() {
			out = append(out, res)
		}
	}
	return out
}

// run holds the state shared by the workers of one replication run
type run struct {
	mu      sync.Mutex
	claimed map[string]string
	results []models.DeployResult
}

// claim reserves name for owner; false means another descriptor already holds it
func (r *run) claim(name, owner string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.claimed[name]; ok {
		return holder, false
	}
	r.claimed[name] = owner
	return "", true
}

func (r *run) add(res models.DeployResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

// Replicate processes every descriptor of e. When the scope names a lock, the run holds it
// and fails with a conflict if another run holds it.
func (r *Replicator) Replicate(ctx context.Context, e definition.Enumerator, scope Scope) (*Report, error) {
	if lockKey := scope.LockKey; lockKey != "" {
		lock, err := r.locks.TryAcquire(ctx, lockKey, r.lockTTL)
		if err != nil {
			if stderrors.Is(err, locks.ErrLockHeld) {
				return nil, errors.ConflictError(fmt.Sprintf("replication %s is already running", lockKey))
			}
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("Failed to release replication lock", logging.String("key", lockKey), logging.Err(err))
			}
		}()
	}

	runID := utils.NewRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := r.logger.WithContext(ctx).WithFields(logging.String("scope", scope.LockKey))
	logger.Info("Replication started")

	start := time.Now()
	state := &run{claimed: make(map[string]string)}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for d := range e.Enumerate(ctx) {
		g.Go(func() error {
			state.add(r.process(ctx, state, d))
			return nil
		})
	}
	_ = g.Wait()

	results := state.results
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Descriptor.String() < results[j].Descriptor.String()
	})

	notified := r.processor.Process(ctx, results, scope.Complete)
	report := &Report{RunID: runID, Results: results, Notified: notified}
	failed := len(report.Failed())

	r.metrics.RecordReplicationRun(ctx, report.OK() && failed == 0, time.Since(start).Seconds())
	logger.Info("Replication finished",
		logging.Int("pipelines", len(results)),
		logging.Int("failed", failed),
		logging.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (r *Replicator) process(ctx context.Context, state *run, d models.DefinitionDescriptor) models.DeployResult {
	rendered := r.renderer.Render(ctx, d)
	if rendered.Status != models.RenderSucceeded {
		res := r.deployer.Deploy(ctx, rendered)
		r.record(ctx, res)
		return res
	}

	name := d.EffectivePipelineName()
	if holder, ok := state.claim(name, d.String()); !ok {
		res := models.DeployResult{
			Descriptor: d,
			Status:     models.DeploySkipped,
			Stage:      StageDeploy,
			Err: errors.ConflictError(fmt.Sprintf(
				"duplicate pipeline name %q: %s is already defined by %s", name, d, holder)),
		}
		r.logger.Warn("Skipping duplicate pipeline", logging.String("pipeline", name), logging.String("holder", holder))
		r.record(ctx, res)
		return res
	}

	res := r.deployer.Deploy(ctx, rendered)
	r.record(ctx, res)
	return res
}

func (r *Replicator) record(ctx context.Context, res models.DeployResult) {
	status := "succeeded"
	switch {
	case res.Status.Has(models.DeploySkipped):
		status = "skipped"
	case res.Status.Has(models.DeployFailed):
		status = "failed"
	case res.Status.Has(models.DeployCreated):
		status = "created"
	}
	r.metrics.RecordReplicationResult(ctx, res.Stage, status)
}
