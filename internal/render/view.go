package render

import (
	"sort"
	"strings"
	"time"

	"ci-replicator/internal/concourse"
	"ci-replicator/internal/models"
	"ci-replicator/internal/pipeline/core"
	"ci-replicator/internal/pipeline/traits"
)

// PipelineView is the data a pipeline template is executed with
type PipelineView struct {
	Name       string
	Definition string
	Team       string
	Resources  []ResourceView
	Jobs       []JobView
}

// ResourceView is one backend resource
type ResourceView struct {
	Name         string
	Type         string
	Source       map[string]interface{}
	WebhookToken string
	CheckEvery   string
}

// JobView is one compiled variant
type JobView struct {
	Name        string
	Serial      bool
	PullRequest bool
	Inputs      []InputView
	// Batches hold steps that may run in parallel, in execution order
	Batches [][]StepView
	// Puts names the resources the job publishes to
	Puts []string
}

// InputView is a resource fetched at the start of a job
type InputView struct {
	Resource string
	Trigger  bool
}

// StepView is one task
type StepView struct {
	Name       string
	Repository string
	Tag        string
	Command    []string
	Privileged bool
	Timeout    string
	Inputs     []string
	Outputs    []string
	Env        map[string]string
}

const resourceTypeTime = "time"

type viewBuilder struct {
	webhookToken string
	jobImage     string
	now          time.Time
	resources    map[string]ResourceView
	order        []string
}

func newPipelineView(d models.DefinitionDescriptor, variants []*core.CompiledVariant, webhookToken, jobImage string, now time.Time) PipelineView {
	b := &viewBuilder{webhookToken: webhookToken, jobImage: jobImage, now: now, resources: map[string]ResourceView{}}
	view := PipelineView{
		Name:       d.EffectivePipelineName(),
		Definition: d.PipelineName,
		Team:       d.TargetTeam,
	}
	for _, v := range variants {
		view.Jobs = append(view.Jobs, b.job(v))
	}
	for _, name := range b.order {
		view.Resources = append(view.Resources, b.resources[name])
	}
	return view
}

func (b *viewBuilder) addResource(r ResourceView) {
	if _, ok := b.resources[r.Name]; ok {
		return
	}
	b.resources[r.Name] = r
	b.order = append(b.order, r.Name)
}

func (b *viewBuilder) job(v *core.CompiledVariant) JobView {
	job := JobView{Name: v.Name(), PullRequest: v.IsPullRequest()}

	if t, ok := v.Trait(traits.NameScheduling); ok {
		job.Serial = t.(*traits.SchedulingTrait).SuppressParallelExecution
	}

	repos := v.Repositories()
	repoResources := make([]string, 0, len(repos))
	byName := make(map[string]string, len(repos))
	for _, r := range repos {
		res := b.repositoryResource(r)
		b.addResource(res)
		job.Inputs = append(job.Inputs, InputView{Resource: res.Name, Trigger: r.Trigger})
		repoResources = append(repoResources, res.Name)
		byName[r.Name] = res.Name
	}

	if t, ok := v.Trait(traits.NameCron); ok {
		name := v.Name() + "-cron"
		b.addResource(ResourceView{
			Name:   name,
			Type:   resourceTypeTime,
			Source: map[string]interface{}{"interval": t.(*traits.CronTrait).Period(b.now).String()},
		})
		job.Inputs = append(job.Inputs, InputView{Resource: name, Trigger: true})
	}

	for _, batch := range v.OrderedSteps() {
		steps := make([]StepView, 0, len(batch))
		for _, s := range batch {
			if s.Image == "" {
				s.Image = b.jobImage
			}
			steps = append(steps, stepView(s, repoResources))
		}
		job.Batches = append(job.Batches, steps)
	}

	for _, name := range v.PublishRepositories() {
		if res, ok := byName[name]; ok {
			job.Puts = append(job.Puts, res)
		}
	}
	return job
}

func (b *viewBuilder) repositoryResource(r core.RepoConfig) ResourceView {
	if r.PullRequest {
		source := map[string]interface{}{
			"repository":    r.Path,
			"base_branch":   r.Branch,
			"disable_forks": !r.BuildForks,
		}
		if r.Hostname != "github.com" {
			source["v3_endpoint"] = "https://" + r.Hostname + "/api/v3/"
		}
		if r.RequireLabel != "" {
			source["labels"] = []string{r.RequireLabel}
		}
		if len(r.IncludePaths) > 0 {
			source["paths"] = r.IncludePaths
		}
		return ResourceView{
			Name:         r.ResourceName(),
			Type:         concourse.ResourceTypePullRequest,
			Source:       source,
			WebhookToken: b.webhookToken,
			CheckEvery:   "24h",
		}
	}

	source := map[string]interface{}{
		"uri":    r.CloneURL(),
		"branch": r.Branch,
	}
	if len(r.IncludePaths) > 0 {
		source["paths"] = r.IncludePaths
	}
	if len(r.ExcludePaths) > 0 {
		source["ignore_paths"] = r.ExcludePaths
	}
	res := ResourceView{Name: r.ResourceName(), Type: concourse.ResourceTypeGit, Source: source}
	// only triggering repositories receive webhooks
	if r.Trigger && b.webhookToken != "" {
		res.WebhookToken = b.webhookToken
		res.CheckEvery = "24h"
	}
	return res
}

func stepView(s core.Step, repoResources []string) StepView {
	repo, tag := splitImage(s.Image)
	inputs := append([]string(nil), repoResources...)
	inputs = append(inputs, sortedKeys(s.Inputs)...)
	command := s.Execute
	if len(command) == 0 {
		command = []string{s.Name}
	}
	return StepView{
		Name:       s.Name,
		Repository: repo,
		Tag:        tag,
		Command:    command,
		Privileged: s.PrivilegeMode == "privileged",
		Timeout:    s.Timeout,
		Inputs:     inputs,
		Outputs:    sortedKeys(s.Outputs),
		Env:        s.Vars,
	}
}

// splitImage separates repository and tag; digests are kept in the tag
func splitImage(ref string) (string, string) {
	if repo, digest, ok := strings.Cut(ref, "@"); ok {
		return repo, digest
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
