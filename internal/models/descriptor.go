// Package models holds the values passed between replication stages
package models

import (
	"fmt"
	"maps"
	"strings"
)

// MainRepo identifies the repository and branch a definition was read from
type MainRepo struct {
	// Path is owner/name
	Path     string
	Branch   string
	Hostname string
}

// Owner returns the organisation or user part of Path
func (r MainRepo) Owner() string {
	owner, _, _ := strings.Cut(r.Path, "/")
	return owner
}

// Name returns the repository part of Path
func (r MainRepo) Name() string {
	_, name, _ := strings.Cut(r.Path, "/")
	return name
}

// DefinitionDescriptor is one pipeline definition read from one repository branch.
// It is created by an enumerator and never modified afterwards; use the With* methods
// to derive a changed copy.
type DefinitionDescriptor struct {
	PipelineName  string
	RawDefinition map[string]interface{}
	MainRepo      *MainRepo
	TargetBackend string
	TargetTeam    string
	JobMapping    string
	// OverrideDefinitions are merged over RawDefinition in order
	OverrideDefinitions []map[string]interface{}
	// Err short-circuits rendering and deployment
	Err error
}

// EffectivePipelineName is "{name}-{branch}" when a main repository is known, else the name itself
func (d DefinitionDescriptor) EffectivePipelineName() string {
	if d.MainRepo == nil {
		return d.PipelineName
	}
	return fmt.Sprintf("%s-%s", d.PipelineName, d.MainRepo.Branch)
}

// Target returns the backend/team pair the descriptor is deployed to
func (d DefinitionDescriptor) Target() Target {
	return Target{Backend: d.TargetBackend, Team: d.TargetTeam}
}

// Failed reports whether the descriptor carries an error
func (d DefinitionDescriptor) Failed() bool {
	return d.Err != nil
}

// WithError returns a copy carrying err
func (d DefinitionDescriptor) WithError(err error) DefinitionDescriptor {
	d.Err = err
	return d
}

// WithRawDefinition returns a copy with a replaced raw definition
func (d DefinitionDescriptor) WithRawDefinition(raw map[string]interface{}) DefinitionDescriptor {
	d.RawDefinition = maps.Clone(raw)
	return d
}

// String identifies the descriptor in logs
func (d DefinitionDescriptor) String() string {
	if d.MainRepo == nil {
		return d.PipelineName
	}
	return fmt.Sprintf("%s (%s/%s@%s)", d.PipelineName, d.MainRepo.Hostname, d.MainRepo.Path, d.MainRepo.Branch)
}

// Target is a backend/team pair; results are grouped by it for cleanup
type Target struct {
	Backend string
	Team    string
}

func (t Target) String() string {
	return t.Backend + "/" + t.Team
}
