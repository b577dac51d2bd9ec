// Package definition discovers pipeline definitions in repositories and turns them into
// descriptors for the replicator
package definition

import (
	"sort"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/pipeline"
	"ci-replicator/internal/pipeline/merge"

	"gopkg.in/yaml.v3"
)

// Well-known locations
const (
	DefinitionsPath  = ".ci/pipeline_definitions"
	MetaCIRef        = "refs/meta/ci"
	BranchConfigPath = "branch.cfg"
)

// Document is a parsed definitions file: pipeline name to raw definition
type Document struct {
	Names       []string
	Definitions map[string]map[string]interface{}
}

// ParseDocument parses and lints a definitions file
func ParseDocument(data []byte) (*Document, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.DefinitionErrorf("invalid YAML in %s: %v", DefinitionsPath, err)
	}
	if raw == nil {
		return &Document{Definitions: map[string]map[string]interface{}{}}, nil
	}
	top, ok := merge.AsMap(raw)
	if !ok {
		return nil, errors.DefinitionErrorf("%s must map pipeline names to definitions", DefinitionsPath)
	}

	doc := &Document{Definitions: make(map[string]map[string]interface{}, len(top))}
	for name, v := range top {
		def, ok := merge.AsMap(v)
		if !ok {
			return nil, errors.DefinitionErrorf("pipeline %q: definition must be a mapping", name)
		}
		if _, err := pipeline.ParseDefinition(name, def); err != nil {
			return nil, err
		}
		doc.Definitions[name] = def
		doc.Names = append(doc.Names, name)
	}
	sort.Strings(doc.Names)
	return doc, nil
}
