package core

import (
	"slices"

	"ci-replicator/internal/common/errors"
)

type stepNode struct {
	step    Step
	depends map[string]struct{}
}

// VariantBuilder collects steps, repositories and traits of one variant. Traits mutate it
// through its methods; Build freezes it into a CompiledVariant.
type VariantBuilder struct {
	name         string
	steps        map[string]*stepNode
	traits       []Trait
	traitIndex   map[string]Trait
	repos        map[string]RepoConfig
	publishRepos map[string]struct{}
	pullRequest  bool
}

// NewVariantBuilder starts an empty variant
func NewVariantBuilder(name string) *VariantBuilder {
	return &VariantBuilder{
		name:         name,
		steps:        make(map[string]*stepNode),
		traitIndex:   make(map[string]Trait),
		repos:        make(map[string]RepoConfig),
		publishRepos: make(map[string]struct{}),
	}
}

// Name returns the variant name
func (b *VariantBuilder) Name() string {
	return b.name
}

// AddStep adds s. Its dependency set starts as {s.Name} plus the names in depends.
func (b *VariantBuilder) AddStep(s Step, depends ...string) error {
	if s.Name == "" {
		return errors.DefinitionErrorf("variant %q: step name must not be empty", b.name)
	}
	if _, exists := b.steps[s.Name]; exists {
		return errors.DefinitionErrorf("variant %q: duplicate step name %q", b.name, s.Name)
	}
	node := &stepNode{step: s, depends: map[string]struct{}{s.Name: {}}}
	for _, d := range depends {
		node.depends[d] = struct{}{}
	}
	b.steps[s.Name] = node
	return nil
}

// HasStep reports whether a step exists
func (b *VariantBuilder) HasStep(name string) bool {
	_, ok := b.steps[name]
	return ok
}

// StepNames returns all step names sorted
func (b *VariantBuilder) StepNames() []string {
	return sortedKeys(b.steps)
}

// UserStepNames returns the names of steps that were not injected by traits
func (b *VariantBuilder) UserStepNames() []string {
	var out []string
	for _, name := range b.StepNames() {
		if !b.steps[name].step.Synthetic {
			out = append(out, name)
		}
	}
	return out
}

// AddDependency makes step wait for dependsOn. The target is checked when the variant is built.
func (b *VariantBuilder) AddDependency(step, dependsOn string) error {
	node, ok := b.steps[step]
	if !ok {
		return errors.DefinitionErrorf("variant %q: unknown step %q", b.name, step)
	}
	node.depends[dependsOn] = struct{}{}
	return nil
}

// AddTrait records a trait; a name can be used only once per variant
func (b *VariantBuilder) AddTrait(t Trait) error {
	if _, exists := b.traitIndex[t.Name()]; exists {
		return errors.DefinitionErrorf("variant %q: duplicate trait %q", b.name, t.Name())
	}
	b.traits = append(b.traits, t)
	b.traitIndex[t.Name()] = t
	return nil
}

// HasTrait reports whether the variant declares a trait
func (b *VariantBuilder) HasTrait(name string) bool {
	_, ok := b.traitIndex[name]
	return ok
}

// AddRepository adds r; logical names must be unique
func (b *VariantBuilder) AddRepository(r RepoConfig) error {
	if r.Name == "" {
		return errors.DefinitionErrorf("variant %q: repository name must not be empty", b.name)
	}
	if _, exists := b.repos[r.Name]; exists {
		return errors.DefinitionErrorf("variant %q: duplicate repository name %q", b.name, r.Name)
	}
	b.repos[r.Name] = r
	return nil
}

// MainRepository returns the repository the definition was read from
func (b *VariantBuilder) MainRepository() (RepoConfig, bool) {
	for _, r := range b.repos {
		if r.Main {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// UpdateMainRepository applies fn to the main repository, if there is one
func (b *VariantBuilder) UpdateMainRepository(fn func(*RepoConfig)) bool {
	for name, r := range b.repos {
		if r.Main {
			fn(&r)
			b.repos[name] = r
			return true
		}
	}
	return false
}

// AddPublishRepository grants the variant write access to the named repository
func (b *VariantBuilder) AddPublishRepository(name string) error {
	if _, ok := b.repos[name]; !ok {
		return errors.DefinitionErrorf("variant %q: cannot publish to unknown repository %q", b.name, name)
	}
	b.publishRepos[name] = struct{}{}
	return nil
}

// MarkPullRequest flags the variant as building pull requests
func (b *VariantBuilder) MarkPullRequest() {
	b.pullRequest = true
}

// Build validates the variant and freezes it. Dependency targets must exist, the graph
// must be acyclic and every image reference must be valid.
func (b *VariantBuilder) Build() (*CompiledVariant, error) {
	steps := make([]Step, 0, len(b.steps))
	for _, name := range b.StepNames() {
		node := b.steps[name]
		s := node.step
		s.depends = sortedKeys(node.depends)
		if s.Image != "" {
			if err := ValidateImageReference(s.Image, true); err != nil {
				return nil, errors.DefinitionErrorf("variant %q step %q: %s", b.name, name, errors.Message(err))
			}
		}
		steps = append(steps, s)
	}

	graph, err := newGraph(steps)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeDefinition) {
			return nil, errors.DefinitionErrorf("variant %q: %s", b.name, errors.Message(err))
		}
		return nil, err
	}

	repos := make([]RepoConfig, 0, len(b.repos))
	for _, name := range sortedKeys(b.repos) {
		repos = append(repos, b.repos[name])
	}
	// main repository first
	slices.SortStableFunc(repos, func(x, y RepoConfig) int {
		switch {
		case x.Main == y.Main:
			return 0
		case x.Main:
			return -1
		default:
			return 1
		}
	})

	return &CompiledVariant{
		name:         b.name,
		graph:        graph,
		traits:       slices.Clone(b.traits),
		traitIndex:   b.cloneTraitIndex(),
		repos:        repos,
		publishRepos: sortedKeys(b.publishRepos),
		pullRequest:  b.pullRequest,
	}, nil
}

func (b *VariantBuilder) cloneTraitIndex() map[string]Trait {
	out := make(map[string]Trait, len(b.traitIndex))
	for k, v := range b.traitIndex {
		out[k] = v
	}
	return out
}
