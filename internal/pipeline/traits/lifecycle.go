package traits

import "ci-replicator/internal/pipeline/core"

// Names of the steps injected by the version and release traits
const (
	VersionStepName = "version"
	ReleaseStepName = "release"
)

// VersionTrait computes the effective version before any other step runs
type VersionTrait struct {
	Preprocess             string `mapstructure:"preprocess" validate:"oneof=finalize inject-commit-hash inject-branch-name use-as-is noop"`
	VersionFile            string `mapstructure:"versionfile" validate:"required"`
	InjectEffectiveVersion bool   `mapstructure:"inject_effective_version"`
}

func newVersion(raw interface{}) (Trait, error) {
	t := &VersionTrait{Preprocess: "inject-commit-hash", VersionFile: "VERSION"}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *VersionTrait) Name() string           { return NameVersion }
func (t *VersionTrait) Dependencies() []string { return dependenciesOf(NameVersion) }
func (t *VersionTrait) sealed()                {}

func (t *VersionTrait) InjectSteps() []core.Step {
	return []core.Step{{
		Name:    VersionStepName,
		Outputs: map[string]string{"version_path": "version_path"},
	}}
}

// Process makes every other step wait for the version step
func (t *VersionTrait) Process(b *core.VariantBuilder) error {
	for _, name := range b.StepNames() {
		if name == VersionStepName {
			continue
		}
		if err := b.AddDependency(name, VersionStepName); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseTrait tags and publishes a release after every other step succeeded
type ReleaseTrait struct {
	NextVersion        string `mapstructure:"nextversion" validate:"oneof=bump_major bump_minor bump_patch noop"`
	ReleaseNotesPolicy string `mapstructure:"release_notes_policy" validate:"oneof=default disabled"`
	ReleaseCallback    string `mapstructure:"release_callback"`
}

func newRelease(raw interface{}) (Trait, error) {
	t := &ReleaseTrait{NextVersion: "bump_minor", ReleaseNotesPolicy: "default"}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ReleaseTrait) Name() string           { return NameRelease }
func (t *ReleaseTrait) Dependencies() []string { return dependenciesOf(NameRelease) }
func (t *ReleaseTrait) sealed()                {}

func (t *ReleaseTrait) InjectSteps() []core.Step {
	return []core.Step{{Name: ReleaseStepName}}
}

func (t *ReleaseTrait) Process(b *core.VariantBuilder) error {
	if err := dependOnAll(b, ReleaseStepName, b.StepNames()); err != nil {
		return err
	}
	// release commits the bumped version back
	if _, ok := b.MainRepository(); ok {
		return b.AddPublishRepository(core.MainRepositoryName)
	}
	return nil
}
