package dispatch

import (
	"context"
	stderrors "errors"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/models"
	"ci-replicator/internal/observability"
	"ci-replicator/internal/replication"

	"github.com/samber/lo"
)

// Replicator replicates the pipelines an enumerator yields; *replication.Replicator implements it
type Replicator interface {
	Replicate(ctx context.Context, e definition.Enumerator, scope replication.Scope) (*replication.Report, error)
}

// Options configure a Dispatcher
type Options struct {
	CheckPolicy concourse.CheckRetryPolicy
	Metrics     *observability.Metrics
	Logger      logging.Logger
}

// Dispatcher routes webhook deliveries to pipeline updates, build aborts, resource checks
// and pull request reconciliation. Work runs on the task pool; Dispatch only decodes and
// queues.
type Dispatcher struct {
	store       *config.Store
	replicator  Replicator
	enumerators EnumeratorFactory
	finder      *ResourceFinder
	aborter     *BuildAbortEngine
	reconciler  *PRResourceReconciler
	pool        *TaskPool
	checkPolicy concourse.CheckRetryPolicy
	metrics     *observability.Metrics
	logger      logging.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store *config.Store, replicator Replicator, enumerators EnumeratorFactory, finder *ResourceFinder,
	aborter *BuildAbortEngine, reconciler *PRResourceReconciler, pool *TaskPool, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Dispatcher{
		store:       store,
		replicator:  replicator,
		enumerators: enumerators,
		finder:      finder,
		aborter:     aborter,
		reconciler:  reconciler,
		pool:        pool,
		checkPolicy: opts.CheckPolicy,
		metrics:     metrics,
		logger:      logger.WithFields(logging.String("component", "dispatcher")),
	}
}

// Dispatch decodes d and queues its handling. Malformed payloads are validation errors;
// a full queue is ErrQueueFull. Unhandled event types are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) error {
	d.metrics.RecordWebhookEvent(ctx, delivery.Event)
	host := hostOf(delivery)
	logger := d.logger.WithFields(
		logging.String("delivery_id", delivery.ID),
		logging.String("event", delivery.Event),
		logging.String("host", host),
	)

	var task func(ctx context.Context) error
	switch delivery.Event {
	case EventPush:
		ev, err := decode[PushEvent](delivery)
		if err != nil {
			return err
		}
		task = func(ctx context.Context) error { return d.HandlePush(ctx, host, ev) }
	case EventCreate:
		ev, err := decode[CreateEvent](delivery)
		if err != nil {
			return err
		}
		task = func(ctx context.Context) error { return d.HandleCreate(ctx, host, ev) }
	case EventPullRequest:
		ev, err := decode[PullRequestEvent](delivery)
		if err != nil {
			return err
		}
		task = func(ctx context.Context) error { return d.reconciler.Reconcile(ctx, host, ev) }
	case EventPing:
		logger.Info("Received ping")
		return nil
	default:
		logger.Debug("Ignoring event")
		return nil
	}

	id, err := d.pool.Submit(delivery.Event, task)
	if err != nil {
		return err
	}
	logger.Debug("Queued delivery", logging.String("task_id", id))
	return nil
}

// HandlePush updates the repository's pipelines when the definitions changed, aborts
// obsolete builds and queues checks of the resources tracking the pushed branch. Failures
// of one step do not prevent the others.
func (d *Dispatcher) HandlePush(ctx context.Context, host string, ev PushEvent) error {
	branch, ok := ev.Branch()
	if !ok {
		return nil
	}
	logger := d.logger.WithFields(
		logging.String("repository", ev.Repository.FullName),
		logging.String("branch", branch),
	)

	var errs []error
	if ev.DefinitionsChanged() {
		if err := d.UpdatePipelines(ctx, host, ev.Repository); err != nil {
			logger.Error("Pipeline update failed", err)
			errs = append(errs, err)
		}
	}

	if !ev.Deleted {
		aborted, err := d.aborter.AbortObsoleteBuilds(ctx, host, ev)
		if err != nil {
			logger.Error("Aborting obsolete builds failed", err)
			errs = append(errs, err)
		}
		if len(aborted) > 0 {
			logger.Info("Aborted obsolete builds", logging.Any("builds", aborted))
		}
		d.queueResourceChecks(host, ev.Repository, branch, logger)
	}
	return stderrors.Join(errs...)
}

// HandleCreate replicates the repository when a branch is created, since the branch may
// carry definitions, and queues checks of resources tracking it
func (d *Dispatcher) HandleCreate(ctx context.Context, host string, ev CreateEvent) error {
	if ev.RefType != "branch" {
		return nil
	}
	logger := d.logger.WithFields(
		logging.String("repository", ev.Repository.FullName),
		logging.String("branch", ev.Ref),
	)

	err := d.UpdatePipelines(ctx, host, ev.Repository)
	if err != nil {
		logger.Error("Pipeline update failed", err)
	}
	d.queueResourceChecks(host, ev.Repository, ev.Ref, logger)
	return err
}

// UpdatePipelines replicates the pipelines of one repository. A missing config element
// triggers one config reload and retry.
func (d *Dispatcher) UpdatePipelines(ctx context.Context, host string, repo Repository) error {
	owner, name := repo.Split()
	return d.withConfigReload(func() error {
		e, err := d.enumerators(host, owner, name)
		if err != nil {
			return err
		}
		report, err := d.replicator.Replicate(ctx, e, replication.RepositoryScope(host, owner, name))
		if err != nil {
			return err
		}
		missing, found := lo.Find(report.Failed(), func(r models.DeployResult) bool {
			return stderrors.Is(r.Err, errors.ErrConfigElementNotFound)
		})
		if found {
			return missing.Err
		}
		return nil
	})
}

func (d *Dispatcher) withConfigReload(fn func() error) error {
	err := fn()
	if !stderrors.Is(err, errors.ErrConfigElementNotFound) {
		return err
	}
	d.logger.Warn("CI config element missing, reloading config and retrying", logging.Err(err))
	if rerr := d.store.Reload(); rerr != nil {
		return stderrors.Join(err, rerr)
	}
	return fn()
}

func (d *Dispatcher) queueResourceChecks(host string, repo Repository, branch string, logger logging.Logger) {
	_, err := d.pool.Submit("resource-check", func(ctx context.Context) error {
		return d.CheckResources(ctx, host, repo, GitResources(host, repo.FullName, branch))
	})
	if err != nil {
		logger.Warn("Could not queue resource checks", logging.Err(err))
	}
}

// CheckResources triggers a check of every deployed resource match selects
func (d *Dispatcher) CheckResources(ctx context.Context, host string, repo Repository, match ResourceMatcher) error {
	var affected []AffectedPipeline
	err := d.withConfigReload(func() error {
		var err error
		affected, err = d.finder.Find(ctx, host, repo, match)
		return err
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range affected {
		for _, res := range a.Resources {
			err := concourse.TriggerResourceCheck(ctx, a.Client, a.Pipeline, res.Name, d.checkPolicy)
			d.metrics.RecordResourceCheck(ctx, err == nil)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			d.logger.Debug("Triggered resource check",
				logging.String("pipeline", a.Pipeline),
				logging.String("resource", res.Name),
			)
		}
	}
	return stderrors.Join(errs...)
}
