package models

// DefaultTemplateName is used when a definition does not name a template
const DefaultTemplateName = "default"

// RawPipelineDefinition is one linted entry of a pipeline definitions document
type RawPipelineDefinition struct {
	Name           string
	BaseDefinition map[string]interface{}
	// VariantNames keeps declaration order for list-style variants; map-style variants are sorted
	VariantNames []string
	Variants     map[string]map[string]interface{}
	TemplateName string
	// BackgroundImage is the default image of steps without one
	BackgroundImage string
}
