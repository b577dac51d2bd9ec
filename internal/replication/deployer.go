// Package replication renders, deploys and cleans up pipelines on the CI backends
package replication

import (
	"context"
	"fmt"
	"runtime/debug"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/models"
)

// Stages a failure can arise in
const (
	StageEnumerate = "enumerate"
	StageRender    = "render"
	StageDeploy    = "deploy"
)

// ClientSource resolves team-scoped backend clients; *concourse.ClientCache implements it
type ClientSource interface {
	ForTarget(ctx context.Context, cfg *config.CIConfig, backend, team string) (concourse.Client, error)
}

// Deployer writes rendered pipelines to the CI backend
type Deployer struct {
	clients ClientSource
	store   *config.Store
	logger  logging.Logger
}

// NewDeployer creates a deployer
func NewDeployer(clients ClientSource, store *config.Store, logger logging.Logger) *Deployer {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Deployer{clients: clients, store: store, logger: logger.WithFields(logging.String("component", "deployer"))}
}

// failedResult converts a failed render into a deploy result
func failedResult(r models.RenderResult) models.DeployResult {
	stage := StageRender
	if r.Descriptor.Failed() {
		stage = StageEnumerate
	}
	return models.DeployResult{
		Descriptor: r.Descriptor,
		Status:     models.DeployFailed,
		Err:        r.Err,
		Stage:      stage,
	}
}

// Deploy sets the pipeline guarded by its current config version. A pipeline changed
// concurrently fails with a conflict and is not retried.
func (d *Deployer) Deploy(ctx context.Context, r models.RenderResult) (result models.DeployResult) {
	if r.Status != models.RenderSucceeded {
		return failedResult(r)
	}

	desc := r.Descriptor
	name := desc.EffectivePipelineName()
	result = models.DeployResult{Descriptor: desc, WebhookResources: r.WebhookResources, Stage: StageDeploy}
	logger := d.logger.WithFields(
		logging.String("pipeline", name),
		logging.String("target", desc.Target().String()),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Deploy panicked", fmt.Errorf("%v", rec), logging.String("stack", string(debug.Stack())))
			result.Status = models.DeployFailed
			result.Err = errors.InternalError(fmt.Sprintf("deploying %s panicked: %v", name, rec), nil)
		}
	}()

	cfg := d.store.Current()
	client, err := d.clients.ForTarget(ctx, cfg, desc.TargetBackend, desc.TargetTeam)
	if err != nil {
		result.Status = models.DeployFailed
		result.Err = err
		return result
	}

	version, exists, err := client.PipelineConfigVersion(ctx, name)
	if err != nil {
		result.Status = models.DeployFailed
		result.Err = err
		return result
	}
	if err := client.SetPipeline(ctx, name, r.PipelineText, version); err != nil {
		logger.Warn("Failed to set pipeline", logging.Err(err))
		result.Status = models.DeployFailed
		result.Err = err
		return result
	}

	result.Status = models.DeploySucceeded
	if !exists {
		result.Status |= models.DeployCreated
	}

	mapping, err := cfg.JobMapping(desc.JobMapping)
	if err != nil {
		logger.Debug("No job mapping for deployed pipeline", logging.String("job_mapping", desc.JobMapping))
		return result
	}
	if mapping.UnpauseDeployedPipelines {
		if err := client.UnpausePipeline(ctx, name); err != nil {
			logger.Warn("Failed to unpause pipeline", logging.Err(err))
		}
	}
	if mapping.ExposePipelines {
		if err := client.ExposePipeline(ctx, name); err != nil {
			logger.Warn("Failed to expose pipeline", logging.Err(err))
		}
	}

	logger.Info("Deployed pipeline", logging.String("status", result.Status.String()))
	return result
}
