// Package concourse talks to the CI backend. Every client is scoped to one team.
package concourse

import (
	"context"
	"strings"
)

// Pipeline is a deployed pipeline as listed by the backend
type Pipeline struct {
	Name   string `json:"name"`
	Paused bool   `json:"paused"`
	Public bool   `json:"public"`
}

// Resource is a resource declared in a pipeline's config
type Resource struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Source       map[string]interface{} `json:"source"`
	WebhookToken string                 `json:"webhook_token"`
}

// SourceString returns a string attribute of the resource source
func (r Resource) SourceString(key string) string {
	s, _ := r.Source[key].(string)
	return s
}

// Resource types the dispatcher reacts to
const (
	ResourceTypeGit         = "git"
	ResourceTypePullRequest = "pull-request"
)

// IsGit reports plain git resources
func (r Resource) IsGit() bool { return r.Type == ResourceTypeGit }

// IsPullRequest reports pull request resources
func (r Resource) IsPullRequest() bool { return r.Type == ResourceTypePullRequest }

// ResourceVersion is one version emitted by a resource
type ResourceVersion struct {
	ID      int               `json:"id"`
	Version map[string]string `json:"version"`
	Enabled bool              `json:"enabled"`
}

// Build states; running builds are pending or started
const (
	BuildPending   = "pending"
	BuildStarted   = "started"
	BuildSucceeded = "succeeded"
	BuildFailed    = "failed"
	BuildErrored   = "errored"
	BuildAborted   = "aborted"
)

// Build is one run of a job
type Build struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	JobName      string `json:"job_name"`
	PipelineName string `json:"pipeline_name"`
}

// Running reports builds that can still be aborted
func (b Build) Running() bool {
	return b.Status == BuildPending || b.Status == BuildStarted
}

// BuildInput is a resource version consumed by a build
type BuildInput struct {
	Name     string            `json:"name"`
	Resource string            `json:"resource"`
	Version  map[string]string `json:"version"`
}

// References reports whether the input was fetched at ref (full sha or prefix of at least 7)
func (in BuildInput) References(ref string) bool {
	if len(ref) < 7 {
		return false
	}
	for _, v := range in.Version {
		if v == ref || (len(v) >= 7 && strings.HasPrefix(ref, v)) {
			return true
		}
	}
	return false
}

// Client is the part of the backend API the replicator and dispatcher use
type Client interface {
	Team() string
	BaseURL() string

	// PipelineConfigVersion returns the config version token; ok is false for unknown pipelines
	PipelineConfigVersion(ctx context.Context, pipeline string) (version string, ok bool, err error)
	// SetPipeline writes config guarded by version; an empty version creates the pipeline
	SetPipeline(ctx context.Context, pipeline, config, version string) error
	UnpausePipeline(ctx context.Context, pipeline string) error
	PausePipeline(ctx context.Context, pipeline string) error
	ExposePipeline(ctx context.Context, pipeline string) error
	ListPipelines(ctx context.Context) ([]Pipeline, error)
	DeletePipeline(ctx context.Context, pipeline string) error
	OrderPipelines(ctx context.Context, names []string) error

	PipelineResources(ctx context.Context, pipeline string) ([]Resource, error)
	CheckResource(ctx context.Context, pipeline, resource string) error
	ResourceVersions(ctx context.Context, pipeline, resource string, limit int) ([]ResourceVersion, error)

	Builds(ctx context.Context, pipeline, job string, limit int) ([]Build, error)
	BuildInputs(ctx context.Context, buildID int) ([]BuildInput, error)
	AbortBuild(ctx context.Context, buildID int) error
}
