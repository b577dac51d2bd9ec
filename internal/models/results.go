package models

import "strings"

// RenderStatus is the outcome of rendering one descriptor
type RenderStatus int

const (
	RenderSucceeded RenderStatus = iota + 1
	RenderFailed
)

func (s RenderStatus) String() string {
	switch s {
	case RenderSucceeded:
		return "succeeded"
	case RenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RenderResult carries the rendered pipeline document or the render error
type RenderResult struct {
	Descriptor   DefinitionDescriptor
	Status       RenderStatus
	PipelineText string
	// WebhookResources names resources carrying a webhook token
	WebhookResources []string
	Err              error
}

// DeployStatus is a bit set; CREATED and SUCCEEDED both count as ok
type DeployStatus uint8

const (
	DeploySucceeded DeployStatus = 1 << iota
	DeployCreated
	DeployFailed
	DeploySkipped
)

// Has reports whether all bits of flag are set
func (s DeployStatus) Has(flag DeployStatus) bool {
	return s&flag == flag
}

// OK reports a successful deployment, new or updated
func (s DeployStatus) OK() bool {
	return s&(DeploySucceeded|DeployCreated) != 0 && s&(DeployFailed|DeploySkipped) == 0
}

func (s DeployStatus) String() string {
	var parts []string
	for _, f := range []struct {
		flag DeployStatus
		name string
	}{
		{DeploySucceeded, "succeeded"},
		{DeployCreated, "created"},
		{DeployFailed, "failed"},
		{DeploySkipped, "skipped"},
	} {
		if s.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// DeployResult is the outcome of deploying one rendered descriptor
type DeployResult struct {
	Descriptor       DefinitionDescriptor
	Status           DeployStatus
	WebhookResources []string
	Err              error
	// Stage names where Err arose: "enumerate", "render" or "deploy"
	Stage string
}

// PipelineName returns the effective name the result was deployed as
func (r DeployResult) PipelineName() string {
	return r.Descriptor.EffectivePipelineName()
}
