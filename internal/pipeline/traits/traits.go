// Package traits holds the closed set of pipeline traits. A trait is configured per variant,
// may inject synthetic steps and rewires the step graph of the variant it belongs to.
package traits

import (
	"fmt"
	"slices"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/validation"
	"ci-replicator/internal/pipeline/core"
)

// Trait is implemented only by the types in this package
type Trait interface {
	core.Trait
	// Dependencies names traits that must be processed before this one
	Dependencies() []string
	// InjectSteps returns the synthetic steps this trait adds to the variant
	InjectSteps() []core.Step
	// Process adds dependency edges and repository settings once all steps exist
	Process(b *core.VariantBuilder) error

	sealed()
}

// Constructor builds a trait from its raw YAML attributes, which may be nil
type Constructor func(raw interface{}) (Trait, error)

type registration struct {
	name string
	// requires must be declared by the variant as well; after only orders
	requires []string
	after    []string
	build    Constructor
}

// registry order breaks ties between traits without an ordering constraint
var registry = []registration{
	{name: NameVersion, build: newVersion},
	{name: NameRelease, requires: []string{NameVersion}, build: newRelease},
	{name: NamePublish, build: newPublish},
	{name: NamePullRequest, build: newPullRequest},
	{name: NameScheduling, build: newScheduling},
	{name: NameCron, build: newCron},
	{name: NameComponentDescriptor, after: []string{NamePublish}, build: newComponentDescriptor},
	{name: NameImageScan, requires: []string{NameComponentDescriptor}, build: newImageScan},
	{name: NameUpdateDependencies, requires: []string{NameComponentDescriptor}, build: newUpdateDependencies},
}

const (
	NameVersion             = "version"
	NameRelease             = "release"
	NamePublish             = "publish"
	NamePullRequest         = "pull-request"
	NameScheduling          = "scheduling"
	NameCron                = "cron"
	NameComponentDescriptor = "component-descriptor"
	NameImageScan           = "image-scan"
	NameUpdateDependencies  = "update-dependencies"
)

func lookup(name string) (registration, int, bool) {
	for i, r := range registry {
		if r.name == name {
			return r, i, true
		}
	}
	return registration{}, -1, false
}

// Names returns all registered trait names in registry order
func Names() []string {
	out := make([]string, len(registry))
	for i, r := range registry {
		out[i] = r.name
	}
	return out
}

// Validate checks the registration table: unique names, known dependencies, and an
// acyclic dependency relation. The app refuses to start when it fails.
func Validate() error {
	seen := make(map[string]struct{}, len(registry))
	for _, r := range registry {
		if r.build == nil {
			return errors.InternalError(fmt.Sprintf("trait %q has no constructor", r.name), nil)
		}
		if _, dup := seen[r.name]; dup {
			return errors.InternalError(fmt.Sprintf("trait %q registered twice", r.name), nil)
		}
		seen[r.name] = struct{}{}
	}
	for _, r := range registry {
		for _, dep := range dependencies(r) {
			if _, ok := seen[dep]; !ok {
				return errors.InternalError(fmt.Sprintf("trait %q depends on unregistered trait %q", r.name, dep), nil)
			}
		}
	}
	if _, err := order(Names()); err != nil {
		return errors.InternalError("trait registry has a dependency cycle", err)
	}
	return nil
}

// New instantiates the named trait
func New(name string, raw interface{}) (Trait, error) {
	r, _, ok := lookup(name)
	if !ok {
		return nil, errors.DefinitionErrorf("unknown trait %q", name)
	}
	t, err := r.build(raw)
	if err != nil {
		return nil, errors.DefinitionErrorf("trait %q: %s", name, errors.Message(err))
	}
	return t, nil
}

func dependencies(r registration) []string {
	return append(slices.Clone(r.requires), r.after...)
}

func dependenciesOf(name string) []string {
	r, _, _ := lookup(name)
	return dependencies(r)
}

// Order sorts traits so that every trait follows the traits it depends on. Dependencies
// the variant does not declare are ignored. Ties keep registry order.
func Order(ts []Trait) ([]Trait, error) {
	byName := make(map[string]Trait, len(ts))
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		byName[t.Name()] = t
		names = append(names, t.Name())
	}
	ordered, err := order(names)
	if err != nil {
		return nil, err
	}
	out := make([]Trait, len(ordered))
	for i, name := range ordered {
		out[i] = byName[name]
	}
	return out, nil
}

func order(names []string) ([]string, error) {
	slices.SortFunc(names, func(a, b string) int {
		_, i, _ := lookup(a)
		_, j, _ := lookup(b)
		return i - j
	})

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	done := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))

	for len(out) < len(names) {
		progressed := false
		for _, n := range names {
			if done[n] || !ready(n, present, done) {
				continue
			}
			done[n] = true
			out = append(out, n)
			progressed = true
			break
		}
		if !progressed {
			return nil, errors.DefinitionError("trait dependencies form a cycle")
		}
	}
	return out, nil
}

func ready(name string, present, done map[string]bool) bool {
	for _, dep := range dependenciesOf(name) {
		if present[dep] && !done[dep] {
			return false
		}
	}
	return true
}

// Apply adds ts to b: traits are ordered, then every trait injects its steps, then every
// trait processes the variant.
func Apply(b *core.VariantBuilder, ts []Trait) error {
	declared := make(map[string]bool, len(ts))
	for _, t := range ts {
		declared[t.Name()] = true
	}
	for _, t := range ts {
		r, _, _ := lookup(t.Name())
		for _, req := range r.requires {
			if !declared[req] {
				return errors.DefinitionErrorf("trait %q requires trait %q", t.Name(), req)
			}
		}
	}

	ordered, err := Order(ts)
	if err != nil {
		return err
	}

	for _, t := range ordered {
		if err := b.AddTrait(t); err != nil {
			return err
		}
	}
	for _, t := range ordered {
		for _, s := range t.InjectSteps() {
			s.Synthetic = true
			if err := b.AddStep(s); err != nil {
				return errors.DefinitionErrorf("trait %q: %s", t.Name(), errors.Message(err))
			}
		}
	}
	for _, t := range ordered {
		if err := t.Process(b); err != nil {
			return errors.DefinitionErrorf("trait %q: %s", t.Name(), errors.Message(err))
		}
	}
	return nil
}

// decode fills out from raw and validates the result; defaults set on out before the call
// survive when the key is absent
func decode(raw interface{}, out interface{}) error {
	if raw != nil {
		if err := core.Decode(raw, out); err != nil {
			return err
		}
	}
	if err := validation.Struct(out); err != nil {
		return errors.DefinitionError(errors.Message(err))
	}
	return nil
}

func dependOnAll(b *core.VariantBuilder, step string, names []string) error {
	for _, n := range names {
		if n == step {
			continue
		}
		if err := b.AddDependency(step, n); err != nil {
			return err
		}
	}
	return nil
}
