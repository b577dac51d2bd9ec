package definition

import (
	"ci-replicator/internal/models"
	"ci-replicator/internal/pipeline/core"
	"ci-replicator/internal/pipeline/merge"
)

// Preprocess injects the main repository into base_definition. Path, branch and hostname
// always come from where the definition was read; other repo attributes are kept.
func Preprocess(d models.DefinitionDescriptor) models.DefinitionDescriptor {
	if d.Failed() || d.MainRepo == nil {
		return d
	}

	raw := merge.Clone(d.RawDefinition).(map[string]interface{})
	base, _ := merge.AsMap(raw["base_definition"])
	if base == nil {
		base = map[string]interface{}{}
	}
	repo, _ := merge.AsMap(base["repo"])
	if repo == nil {
		repo = map[string]interface{}{}
	}
	if _, ok := repo["name"]; !ok {
		repo["name"] = core.MainRepositoryName
	}
	repo["path"] = d.MainRepo.Path
	repo["branch"] = d.MainRepo.Branch
	repo["hostname"] = d.MainRepo.Hostname
	base["repo"] = repo
	raw["base_definition"] = base

	return d.WithRawDefinition(raw)
}
