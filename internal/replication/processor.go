package replication

import (
	"context"
	stderrors "errors"
	"sort"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/models"
	"ci-replicator/internal/observability"

	"github.com/samber/lo"
)

// FailureNotifier tells repository owners about a failed result
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, result models.DeployResult) error
}

// ResultProcessor cleans up stale pipelines, initializes new ones and reports failures
type ResultProcessor struct {
	clients     ClientSource
	store       *config.Store
	keep        *KeepFilter
	notifier    FailureNotifier
	checkPolicy concourse.CheckRetryPolicy
	metrics     *observability.Metrics
	logger      logging.Logger
}

// ProcessorOptions configure a ResultProcessor
type ProcessorOptions struct {
	Keep        *KeepFilter
	Notifier    FailureNotifier
	CheckPolicy concourse.CheckRetryPolicy
	Metrics     *observability.Metrics
	Logger      logging.Logger
}

// NewResultProcessor creates a processor
func NewResultProcessor(clients ClientSource, store *config.Store, opts ProcessorOptions) *ResultProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &ResultProcessor{
		clients:     clients,
		store:       store,
		keep:        opts.Keep,
		notifier:    opts.Notifier,
		checkPolicy: opts.CheckPolicy,
		metrics:     metrics,
		logger:      logger.WithFields(logging.String("component", "result_processor")),
	}
}

// Process handles the results of one replication run per target. Stale pipelines are only
// removed when complete is set. It returns false only when a failure notification could
// not be delivered.
func (p *ResultProcessor) Process(ctx context.Context, results []models.DeployResult, complete bool) bool {
	groups := lo.GroupBy(
		lo.Filter(results, func(r models.DeployResult, _ int) bool { return r.Descriptor.TargetBackend != "" }),
		func(r models.DeployResult) models.Target { return r.Descriptor.Target() },
	)
	targets := lo.Keys(groups)
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })

	for _, target := range targets {
		p.processTarget(ctx, target, groups[target], complete)
	}
	return p.notifyFailures(ctx, results)
}

func (p *ResultProcessor) processTarget(ctx context.Context, target models.Target, results []models.DeployResult, complete bool) {
	logger := p.logger.WithFields(logging.String("target", target.String()))
	cfg := p.store.Current()

	client, err := p.clients.ForTarget(ctx, cfg, target.Backend, target.Team)
	if err != nil {
		logger.Error("Failed to get backend client", err)
		return
	}

	switch {
	case !complete:
		logger.Debug("Partial run, not removing stale pipelines")
	case p.removesStalePipelines(cfg, results):
		p.removeStale(ctx, client, target, results, logger)
	default:
		logger.Info("Skipping removal of stale pipelines")
	}

	for _, r := range results {
		if r.Status.Has(models.DeployCreated) {
			p.initialize(ctx, cfg, client, r, logger)
		}
	}
}

// removesStalePipelines is false when any mapping of the target disables cleanup, or when
// enumeration was incomplete and the desired set cannot be trusted
func (p *ResultProcessor) removesStalePipelines(cfg *config.CIConfig, results []models.DeployResult) bool {
	for _, r := range results {
		if r.Stage == StageEnumerate && r.Descriptor.MainRepo == nil {
			return false
		}
		if m, err := cfg.JobMapping(r.Descriptor.JobMapping); err == nil && !m.RemovesStalePipelines() {
			return false
		}
	}
	return true
}

func (p *ResultProcessor) removeStale(ctx context.Context, client concourse.Client, target models.Target, results []models.DeployResult, logger logging.Logger) {
	existing, err := client.ListPipelines(ctx)
	if err != nil {
		logger.Error("Failed to list pipelines", err)
		return
	}
	existingNames := lo.Map(existing, func(pl concourse.Pipeline, _ int) string { return pl.Name })
	desired := lo.Map(results, func(r models.DeployResult, _ int) string { return r.PipelineName() })

	stale, _ := lo.Difference(existingNames, desired)
	var removed []string
	for _, name := range stale {
		keep, err := p.keep.Keep(target, name)
		if err != nil {
			logger.Error("Keep filter failed, keeping pipeline", err, logging.String("pipeline", name))
			continue
		}
		if keep {
			continue
		}
		if err := client.DeletePipeline(ctx, name); err != nil {
			logger.Error("Failed to delete pipeline", err, logging.String("pipeline", name))
			continue
		}
		logger.Info("Deleted stale pipeline", logging.String("pipeline", name))
		removed = append(removed, name)
	}

	remaining, _ := lo.Difference(existingNames, removed)
	remaining = lo.Uniq(append(remaining, deployedNames(results)...))
	sort.Strings(remaining)
	if err := client.OrderPipelines(ctx, remaining); err != nil {
		logger.Error("Failed to order pipelines", err)
	}
}

func deployedNames(results []models.DeployResult) []string {
	var out []string
	for _, r := range results {
		if r.Status.OK() {
			out = append(out, r.PipelineName())
		}
	}
	return out
}

// initialize unpauses a new pipeline when configured and checks its webhook resources
func (p *ResultProcessor) initialize(ctx context.Context, cfg *config.CIConfig, client concourse.Client, r models.DeployResult, logger logging.Logger) {
	name := r.PipelineName()
	if m, err := cfg.JobMapping(r.Descriptor.JobMapping); err == nil && m.UnpauseNewPipelines {
		if err := client.UnpausePipeline(ctx, name); err != nil {
			logger.Error("Failed to unpause new pipeline", err, logging.String("pipeline", name))
		}
	}

	for _, resource := range r.WebhookResources {
		err := concourse.TriggerResourceCheck(ctx, client, name, resource, p.checkPolicy)
		p.metrics.RecordResourceCheck(ctx, err == nil)
		if err != nil {
			logger.Warn("Initial resource check failed",
				logging.String("pipeline", name),
				logging.String("resource", resource),
				logging.Err(err),
			)
		}
	}
}

func (p *ResultProcessor) notifyFailures(ctx context.Context, results []models.DeployResult) bool {
	ok := true
	for _, r := range results {
		if r.Err == nil || r.Status.OK() {
			continue
		}
		if !errors.IsUserFacing(r.Err) {
			msg := "Replication failed with an internal error"
			if stderrors.Is(r.Err, errors.ErrConfigElementNotFound) {
				msg = "Replication failed on incomplete CI config"
			}
			p.logger.Error(msg, r.Err,
				logging.String("pipeline", r.PipelineName()),
				logging.String("stage", r.Stage),
			)
			continue
		}
		if p.notifier == nil {
			continue
		}
		if err := p.notifier.NotifyFailure(ctx, r); err != nil {
			p.logger.Error("Failed to notify about failed pipeline", err, logging.String("pipeline", r.PipelineName()))
			ok = false
		}
	}
	return ok
}
