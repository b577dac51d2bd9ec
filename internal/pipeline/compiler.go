// Package pipeline compiles pipeline definitions into validated variants
package pipeline

import (
	"sort"
	"strings"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/models"
	"ci-replicator/internal/pipeline/core"
	"ci-replicator/internal/pipeline/merge"
	"ci-replicator/internal/pipeline/traits"
)

var variantKeys = map[string]bool{
	"steps":  true,
	"repo":   true,
	"repos":  true,
	"traits": true,
}

// Compiler turns raw definitions into compiled variants
type Compiler struct {
	logger logging.Logger
}

// NewCompiler creates a compiler
func NewCompiler(logger logging.Logger) *Compiler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Compiler{logger: logger.WithFields(logging.String("component", "compiler"))}
}

// Compile applies the descriptor's overrides to its raw definition and compiles every variant
func (c *Compiler) Compile(d models.DefinitionDescriptor) ([]*core.CompiledVariant, error) {
	def, err := Definition(d)
	if err != nil {
		return nil, err
	}
	return c.CompileDefinition(def)
}

// Definition parses the descriptor's raw definition with its override definitions merged
// over it in order
func Definition(d models.DefinitionDescriptor) (*models.RawPipelineDefinition, error) {
	raw := d.RawDefinition
	if len(d.OverrideDefinitions) > 0 {
		docs := append([]map[string]interface{}{raw}, d.OverrideDefinitions...)
		raw = merge.All(docs...)
	}
	return ParseDefinition(d.PipelineName, raw)
}

// CompileDefinition compiles one variant per declared variant, in declaration order
func (c *Compiler) CompileDefinition(def *models.RawPipelineDefinition) ([]*core.CompiledVariant, error) {
	out := make([]*core.CompiledVariant, 0, len(def.VariantNames))
	for _, name := range def.VariantNames {
		v, err := c.compileVariant(def, name, merge.Merge(def.BaseDefinition, def.Variants[name]))
		if err != nil {
			return nil, errors.DefinitionErrorf("pipeline %q variant %q: %s", def.Name, name, errors.Message(err))
		}
		out = append(out, v)
	}

	c.logger.Debug("Compiled pipeline definition",
		logging.String("pipeline", def.Name),
		logging.Int("variants", len(out)),
	)
	return out, nil
}

func (c *Compiler) compileVariant(def *models.RawPipelineDefinition, name string, raw map[string]interface{}) (*core.CompiledVariant, error) {
	for key := range raw {
		if !variantKeys[key] {
			return nil, errors.DefinitionErrorf("unknown attribute %q", key)
		}
	}

	b := core.NewVariantBuilder(name)

	if err := addRepositories(b, raw); err != nil {
		return nil, err
	}
	if err := addSteps(b, raw["steps"], def.BackgroundImage); err != nil {
		return nil, err
	}

	ts, err := newTraits(raw["traits"])
	if err != nil {
		return nil, err
	}
	if err := traits.Apply(b, ts); err != nil {
		return nil, err
	}

	return b.Build()
}

func addSteps(b *core.VariantBuilder, raw interface{}, defaultImage string) error {
	if raw == nil {
		return nil
	}
	steps, ok := merge.AsMap(raw)
	if !ok {
		return errors.DefinitionError("steps must be a mapping")
	}
	for _, name := range sortedNames(steps) {
		step, depends, err := core.DecodeStep(name, steps[name])
		if err != nil {
			return err
		}
		if step.Image == "" {
			step.Image = defaultImage
		}
		if err := b.AddStep(step, depends...); err != nil {
			return err
		}
	}
	return nil
}

func newTraits(raw interface{}) ([]traits.Trait, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := merge.AsMap(raw)
	if !ok {
		return nil, errors.DefinitionError("traits must be a mapping")
	}
	out := make([]traits.Trait, 0, len(m))
	for _, name := range sortedNames(m) {
		t, err := traits.New(name, m[name])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type repoAttributes struct {
	Name         string   `mapstructure:"name"`
	Path         string   `mapstructure:"path"`
	Branch       string   `mapstructure:"branch"`
	Hostname     string   `mapstructure:"hostname"`
	Trigger      *bool    `mapstructure:"trigger"`
	IncludePaths []string `mapstructure:"include_paths"`
	ExcludePaths []string `mapstructure:"exclude_paths"`
}

func addRepositories(b *core.VariantBuilder, raw map[string]interface{}) error {
	var mainHost string
	if v, ok := raw["repo"]; ok && v != nil {
		var attrs repoAttributes
		if err := core.Decode(v, &attrs); err != nil {
			return errors.DefinitionErrorf("repo: %s", errors.Message(err))
		}
		if attrs.Name == "" {
			attrs.Name = core.MainRepositoryName
		}
		repo, err := attrs.toConfig(true, "")
		if err != nil {
			return err
		}
		mainHost = repo.Hostname
		if err := b.AddRepository(repo); err != nil {
			return err
		}
	}

	v, ok := raw["repos"]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return errors.DefinitionError("repos must be a list")
	}
	for i, item := range list {
		var attrs repoAttributes
		if err := core.Decode(item, &attrs); err != nil {
			return errors.DefinitionErrorf("repos[%d]: %s", i, errors.Message(err))
		}
		if attrs.Name == "" {
			return errors.DefinitionErrorf("repos[%d]: name is required", i)
		}
		repo, err := attrs.toConfig(false, mainHost)
		if err != nil {
			return err
		}
		if err := b.AddRepository(repo); err != nil {
			return err
		}
	}
	return nil
}

func (a repoAttributes) toConfig(main bool, defaultHost string) (core.RepoConfig, error) {
	if a.Path == "" {
		return core.RepoConfig{}, errors.DefinitionErrorf("repository %q: path is required", a.Name)
	}
	if owner, name, ok := strings.Cut(a.Path, "/"); !ok || owner == "" || name == "" {
		return core.RepoConfig{}, errors.DefinitionErrorf("repository %q: path must be <owner>/<name>, got %q", a.Name, a.Path)
	}
	r := core.RepoConfig{
		Name:         a.Name,
		Path:         a.Path,
		Branch:       a.Branch,
		Hostname:     a.Hostname,
		Trigger:      main,
		IncludePaths: a.IncludePaths,
		ExcludePaths: a.ExcludePaths,
		Main:         main,
	}
	if a.Trigger != nil {
		r.Trigger = *a.Trigger
	}
	if r.Branch == "" {
		r.Branch = "master"
	}
	if r.Hostname == "" {
		r.Hostname = defaultHost
	}
	if r.Hostname == "" {
		r.Hostname = "github.com"
	}
	return r, nil
}

func sortedNames(m map[string]interface{}) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
