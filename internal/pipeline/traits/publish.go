package traits

import (
	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/pipeline/core"
)

const (
	PrepareStepName             = "prepare"
	PublishStepName             = "publish"
	ComponentDescriptorStepName = "component_descriptor"
	ScanImagesStepName          = "scan_container_images"
	UpdateDependenciesStepName  = "update_component_deps"
)

// DockerImage is one image built and pushed by the publish step
type DockerImage struct {
	Image       string            `mapstructure:"image" validate:"required"`
	Dockerfile  string            `mapstructure:"dockerfile"`
	Dir         string            `mapstructure:"dir"`
	TagAsLatest bool              `mapstructure:"tag_as_latest"`
	Inputs      map[string]string `mapstructure:"inputs"`
}

// PublishTrait builds and pushes container images
type PublishTrait struct {
	DockerImages map[string]DockerImage `mapstructure:"dockerimages" validate:"required,min=1,dive"`
}

func newPublish(raw interface{}) (Trait, error) {
	t := &PublishTrait{}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	for name, img := range t.DockerImages {
		if err := core.ValidateImageReference(img.Image, false); err != nil {
			return nil, errors.DefinitionErrorf("dockerimages.%s: %s", name, errors.Message(err))
		}
		if img.Dockerfile == "" {
			img.Dockerfile = "Dockerfile"
		}
		if img.Dir == "" {
			img.Dir = "."
		}
		t.DockerImages[name] = img
	}
	return t, nil
}

func (t *PublishTrait) Name() string           { return NamePublish }
func (t *PublishTrait) Dependencies() []string { return dependenciesOf(NamePublish) }
func (t *PublishTrait) sealed()                {}

func (t *PublishTrait) InjectSteps() []core.Step {
	return []core.Step{{Name: PrepareStepName}, {Name: PublishStepName}}
}

// Process runs prepare after all user steps and publish after prepare
func (t *PublishTrait) Process(b *core.VariantBuilder) error {
	if err := dependOnAll(b, PrepareStepName, b.UserStepNames()); err != nil {
		return err
	}
	return b.AddDependency(PublishStepName, PrepareStepName)
}

// ComponentDescriptorTrait emits the component descriptor of the repository
type ComponentDescriptorTrait struct {
	ComponentName string `mapstructure:"component_name"`
	Callback      string `mapstructure:"callback"`
}

func newComponentDescriptor(raw interface{}) (Trait, error) {
	t := &ComponentDescriptorTrait{}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ComponentDescriptorTrait) Name() string { return NameComponentDescriptor }
func (t *ComponentDescriptorTrait) Dependencies() []string {
	return dependenciesOf(NameComponentDescriptor)
}
func (t *ComponentDescriptorTrait) sealed() {}

func (t *ComponentDescriptorTrait) InjectSteps() []core.Step {
	return []core.Step{{
		Name:    ComponentDescriptorStepName,
		Outputs: map[string]string{"component_descriptor_dir": "component_descriptor_dir"},
	}}
}

func (t *ComponentDescriptorTrait) Process(b *core.VariantBuilder) error {
	if t.ComponentName == "" {
		if main, ok := b.MainRepository(); ok {
			t.ComponentName = main.Hostname + "/" + main.Path
		}
	}
	if err := dependOnAll(b, ComponentDescriptorStepName, b.UserStepNames()); err != nil {
		return err
	}
	if b.HasStep(PublishStepName) {
		return b.AddDependency(ComponentDescriptorStepName, PublishStepName)
	}
	return nil
}

// ImageScanTrait scans the images listed in the component descriptor
type ImageScanTrait struct {
	ParallelJobs    int      `mapstructure:"parallel_jobs" validate:"gt=0"`
	Notify          string   `mapstructure:"notify" validate:"oneof=email_recipients component_owners none"`
	EmailRecipients []string `mapstructure:"email_recipients"`
}

func newImageScan(raw interface{}) (Trait, error) {
	t := &ImageScanTrait{ParallelJobs: 12, Notify: "email_recipients"}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ImageScanTrait) Name() string           { return NameImageScan }
func (t *ImageScanTrait) Dependencies() []string { return dependenciesOf(NameImageScan) }
func (t *ImageScanTrait) sealed()                {}

func (t *ImageScanTrait) InjectSteps() []core.Step {
	return []core.Step{{Name: ScanImagesStepName}}
}

func (t *ImageScanTrait) Process(b *core.VariantBuilder) error {
	return b.AddDependency(ScanImagesStepName, ComponentDescriptorStepName)
}

// UpdateDependenciesTrait opens pull requests bumping upstream component versions
type UpdateDependenciesTrait struct {
	SetDependencyVersionScript string `mapstructure:"set_dependency_version_script" validate:"required"`
	MergePolicy                string `mapstructure:"merge_policy" validate:"oneof=manual auto_merge"`
}

func newUpdateDependencies(raw interface{}) (Trait, error) {
	t := &UpdateDependenciesTrait{
		SetDependencyVersionScript: ".ci/set_dependency_version",
		MergePolicy:                "manual",
	}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *UpdateDependenciesTrait) Name() string { return NameUpdateDependencies }
func (t *UpdateDependenciesTrait) Dependencies() []string {
	return dependenciesOf(NameUpdateDependencies)
}
func (t *UpdateDependenciesTrait) sealed() {}

func (t *UpdateDependenciesTrait) InjectSteps() []core.Step {
	return []core.Step{{Name: UpdateDependenciesStepName}}
}

func (t *UpdateDependenciesTrait) Process(b *core.VariantBuilder) error {
	if err := b.AddDependency(UpdateDependenciesStepName, ComponentDescriptorStepName); err != nil {
		return err
	}
	if _, ok := b.MainRepository(); ok {
		return b.AddPublishRepository(core.MainRepositoryName)
	}
	return nil
}
