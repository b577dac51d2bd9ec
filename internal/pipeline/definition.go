package pipeline

import (
	"fmt"
	"sort"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/models"
	"ci-replicator/internal/pipeline/merge"
)

var definitionKeys = map[string]bool{
	"base_definition":  true,
	"variants":         true,
	"jobs":             true,
	"template":         true,
	"background_image": true,
}

// ParseDefinition lints one entry of a definitions document
func ParseDefinition(name string, raw map[string]interface{}) (*models.RawPipelineDefinition, error) {
	if raw == nil {
		return nil, errors.DefinitionErrorf("pipeline %q: definition must be a mapping", name)
	}
	for key := range raw {
		if !definitionKeys[key] {
			return nil, errors.DefinitionErrorf("pipeline %q: unknown attribute %q", name, key)
		}
	}

	def := &models.RawPipelineDefinition{
		Name:         name,
		Variants:     make(map[string]map[string]interface{}),
		TemplateName: models.DefaultTemplateName,
	}

	if base, ok := raw["base_definition"]; ok && base != nil {
		m, ok := merge.AsMap(base)
		if !ok {
			return nil, errors.DefinitionErrorf("pipeline %q: base_definition must be a mapping", name)
		}
		def.BaseDefinition = m
	}

	if tmpl, ok := raw["template"]; ok && tmpl != nil {
		s, ok := tmpl.(string)
		if !ok || s == "" {
			return nil, errors.DefinitionErrorf("pipeline %q: template must be a non-empty string", name)
		}
		def.TemplateName = s
	}

	if img, ok := raw["background_image"]; ok && img != nil {
		s, ok := img.(string)
		if !ok {
			return nil, errors.DefinitionErrorf("pipeline %q: background_image must be a string", name)
		}
		def.BackgroundImage = s
	}

	variants, ok := raw["variants"]
	if !ok {
		variants = raw["jobs"]
	}
	if err := parseVariants(def, variants); err != nil {
		return nil, errors.DefinitionErrorf("pipeline %q: %s", name, errors.Message(err))
	}
	if len(def.VariantNames) == 0 {
		return nil, errors.DefinitionErrorf("pipeline %q: at least one variant is required", name)
	}
	return def, nil
}

func parseVariants(def *models.RawPipelineDefinition, raw interface{}) error {
	add := func(name string, v interface{}) error {
		if _, dup := def.Variants[name]; dup {
			return errors.DefinitionErrorf("duplicate variant %q", name)
		}
		m := map[string]interface{}{}
		if v != nil {
			var ok bool
			if m, ok = merge.AsMap(v); !ok {
				return errors.DefinitionErrorf("variant %q must be a mapping", name)
			}
		}
		def.Variants[name] = m
		def.VariantNames = append(def.VariantNames, name)
		return nil
	}

	switch v := raw.(type) {
	case nil:
		return nil
	case []interface{}:
		for i, item := range v {
			m, ok := merge.AsMap(item)
			if !ok || len(m) != 1 {
				return errors.DefinitionErrorf("variants[%d] must be a mapping with a single key", i)
			}
			for name, attrs := range m {
				if err := add(name, attrs); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		m, ok := merge.AsMap(v)
		if !ok {
			return errors.DefinitionError(fmt.Sprintf("variants must be a mapping or a list, got %T", raw))
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := add(name, m[name]); err != nil {
				return err
			}
		}
		return nil
	}
}
