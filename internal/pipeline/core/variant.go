package core

import "slices"

// CompiledVariant is a validated, immutable variant ready for rendering
type CompiledVariant struct {
	name         string
	graph        *Graph
	traits       []Trait
	traitIndex   map[string]Trait
	repos        []RepoConfig
	publishRepos []string
	pullRequest  bool
}

func (v *CompiledVariant) Name() string { return v.name }

// Steps returns all steps sorted by name
func (v *CompiledVariant) Steps() []Step { return v.graph.Steps() }

func (v *CompiledVariant) Step(name string) (Step, bool) { return v.graph.Step(name) }

func (v *CompiledVariant) HasStep(name string) bool {
	_, ok := v.graph.Step(name)
	return ok
}

// OrderedSteps returns the steps in dependency-ordered batches
func (v *CompiledVariant) OrderedSteps() [][]Step { return v.graph.OrderedSteps() }

// Traits returns the traits in processing order
func (v *CompiledVariant) Traits() []Trait { return slices.Clone(v.traits) }

func (v *CompiledVariant) Trait(name string) (Trait, bool) {
	t, ok := v.traitIndex[name]
	return t, ok
}

func (v *CompiledVariant) HasTrait(name string) bool {
	_, ok := v.traitIndex[name]
	return ok
}

// Repositories returns the main repository first, then the rest by name
func (v *CompiledVariant) Repositories() []RepoConfig { return slices.Clone(v.repos) }

func (v *CompiledVariant) MainRepository() (RepoConfig, bool) {
	if len(v.repos) > 0 && v.repos[0].Main {
		return v.repos[0], true
	}
	return RepoConfig{}, false
}

// PublishRepositories names the repositories the variant may push to
func (v *CompiledVariant) PublishRepositories() []string { return slices.Clone(v.publishRepos) }

func (v *CompiledVariant) IsPullRequest() bool { return v.pullRequest }
