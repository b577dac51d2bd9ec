package definition

import (
	"regexp"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/pipeline/merge"

	"gopkg.in/yaml.v3"
)

// BranchConfigEntry applies overrides to the branches it matches
type BranchConfigEntry struct {
	Name     string
	Branches []*regexp.Regexp
	// Inherit maps pipeline names to partial definitions merged over the repository's own
	Inherit map[string]map[string]interface{}
}

// Matches reports whether one of the patterns matches the whole branch name
func (e BranchConfigEntry) Matches(branch string) bool {
	for _, re := range e.Branches {
		if re.MatchString(branch) {
			return true
		}
	}
	return false
}

// BranchConfig is the parsed branch.cfg; entries keep file order
type BranchConfig struct {
	Entries []BranchConfigEntry
}

// Match returns the first entry matching branch
func (c *BranchConfig) Match(branch string) (BranchConfigEntry, bool) {
	for _, e := range c.Entries {
		if e.Matches(branch) {
			return e, true
		}
	}
	return BranchConfigEntry{}, false
}

// Override returns the partial definition for pipeline on branch, if any
func (c *BranchConfig) Override(branch, pipeline string) (map[string]interface{}, bool) {
	e, ok := c.Match(branch)
	if !ok {
		return nil, false
	}
	o, ok := e.Inherit[pipeline]
	return o, ok
}

// SelectBranches returns the branches matched by any entry, in input order
func (c *BranchConfig) SelectBranches(branches []string) []string {
	var out []string
	for _, b := range branches {
		if _, ok := c.Match(b); ok {
			out = append(out, b)
		}
	}
	return out
}

type branchConfigEntryDoc struct {
	Branches []string               `yaml:"branches"`
	Inherit  map[string]interface{} `yaml:"inherit"`
}

// ParseBranchConfig parses `cfgs: {<name>: {branches: [...], inherit: {...}}}`
func ParseBranchConfig(data []byte) (*BranchConfig, error) {
	var root struct {
		Cfgs yaml.Node `yaml:"cfgs"`
	}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.DefinitionErrorf("invalid YAML in %s: %v", BranchConfigPath, err)
	}

	cfg := &BranchConfig{}
	if root.Cfgs.Kind == 0 {
		return cfg, nil
	}
	if root.Cfgs.Kind != yaml.MappingNode {
		return nil, errors.DefinitionErrorf("%s: cfgs must be a mapping", BranchConfigPath)
	}

	// mapping nodes alternate key and value
	for i := 0; i+1 < len(root.Cfgs.Content); i += 2 {
		name := root.Cfgs.Content[i].Value
		var doc branchConfigEntryDoc
		if err := root.Cfgs.Content[i+1].Decode(&doc); err != nil {
			return nil, errors.DefinitionErrorf("%s: cfg %q: %v", BranchConfigPath, name, err)
		}

		entry := BranchConfigEntry{Name: name, Inherit: make(map[string]map[string]interface{})}
		for _, pattern := range doc.Branches {
			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				return nil, errors.DefinitionErrorf("%s: cfg %q: invalid branch pattern %q", BranchConfigPath, name, pattern)
			}
			entry.Branches = append(entry.Branches, re)
		}
		for pipeline, v := range doc.Inherit {
			m, ok := merge.AsMap(v)
			if !ok {
				return nil, errors.DefinitionErrorf("%s: cfg %q: inherit.%s must be a mapping", BranchConfigPath, name, pipeline)
			}
			entry.Inherit[pipeline] = m
		}
		cfg.Entries = append(cfg.Entries, entry)
	}
	return cfg, nil
}
