package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"

	"gopkg.in/yaml.v3"
)

// FakePipeline is the state of one pipeline in FakeConcourse
type FakePipeline struct {
	Config    string
	Version   int
	Paused    bool
	Public    bool
	Resources []concourse.Resource
}

// FakeConcourse implements concourse.Client for one team in memory. New pipelines start paused.
type FakeConcourse struct {
	mu        sync.Mutex
	team      string
	url       string
	pipelines map[string]*FakePipeline
	order     []string
	builds    map[string][]concourse.Build
	inputs    map[int][]concourse.BuildInput
	versions  map[string][]concourse.ResourceVersion

	Checks  []string
	Aborted []int
	Deleted []string
	Calls   map[string]int

	// Delay, when set, is slept before every SetPipeline
	Delay func() time.Duration
	// CheckHook, when set, decides the outcome of CheckResource
	CheckHook func(pipeline, resource string) error

	// Control error injection
	ErrorOnMethod map[string]error
}

// NewFakeConcourse creates an empty fake team
func NewFakeConcourse(url, team string) *FakeConcourse {
	return &FakeConcourse{
		team:          team,
		url:           url,
		pipelines:     make(map[string]*FakePipeline),
		builds:        make(map[string][]concourse.Build),
		inputs:        make(map[int][]concourse.BuildInput),
		versions:      make(map[string][]concourse.ResourceVersion),
		Calls:         make(map[string]int),
		ErrorOnMethod: make(map[string]error),
	}
}

func (f *FakeConcourse) call(method string) error {
	f.Calls[method]++
	return f.ErrorOnMethod[method]
}

// AddPipeline seeds an existing pipeline
func (f *FakeConcourse) AddPipeline(name string, resources ...concourse.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines[name] = &FakePipeline{Version: 1, Resources: resources}
	f.order = append(f.order, name)
}

// AddBuild seeds a build of pipeline/job consuming inputs; newest builds should be added last
func (f *FakeConcourse) AddBuild(b concourse.Build, inputs ...concourse.BuildInput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := b.PipelineName + "/" + b.JobName
	f.builds[key] = append(f.builds[key], b)
	f.inputs[b.ID] = inputs
}

// AddResourceVersion seeds a version of pipeline/resource
func (f *FakeConcourse) AddResourceVersion(pipeline, resource string, v concourse.ResourceVersion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pipeline + "/" + resource
	f.versions[key] = append([]concourse.ResourceVersion{v}, f.versions[key]...)
}

// Pipeline returns a copy of the pipeline state
func (f *FakeConcourse) Pipeline(name string) (FakePipeline, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipelines[name]
	if !ok {
		return FakePipeline{}, false
	}
	return *p, true
}

// PipelineNames returns the pipelines in their current order
func (f *FakeConcourse) PipelineNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// CheckedResources returns "pipeline/resource" for every check request
func (f *FakeConcourse) CheckedResources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Checks...)
}

// AbortedBuilds returns the ids of aborted builds
func (f *FakeConcourse) AbortedBuilds() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.Aborted...)
}

// CallCount returns how often method was called
func (f *FakeConcourse) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *FakeConcourse) Team() string    { return f.team }
func (f *FakeConcourse) BaseURL() string { return f.url }

func (f *FakeConcourse) PipelineConfigVersion(_ context.Context, pipeline string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("PipelineConfigVersion"); err != nil {
		return "", false, err
	}
	p, ok := f.pipelines[pipeline]
	if !ok {
		return "", false, nil
	}
	return strconv.Itoa(p.Version), true, nil
}

func (f *FakeConcourse) SetPipeline(_ context.Context, pipeline, cfg, version string) error {
	if f.Delay != nil {
		time.Sleep(f.Delay())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SetPipeline"); err != nil {
		return err
	}

	resources, err := parseResources(cfg)
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid pipeline config: %v", err))
	}

	p, ok := f.pipelines[pipeline]
	switch {
	case !ok && version != "":
		return errors.ConflictError("pipeline " + pipeline + " does not exist")
	case ok && version != strconv.Itoa(p.Version):
		return errors.ConflictError("pipeline " + pipeline + " was modified concurrently")
	case !ok:
		p = &FakePipeline{Paused: true}
		f.pipelines[pipeline] = p
		f.order = append(f.order, pipeline)
	}
	p.Config = cfg
	p.Version++
	p.Resources = resources
	return nil
}

func parseResources(cfg string) ([]concourse.Resource, error) {
	var doc struct {
		Resources []struct {
			Name         string                 `yaml:"name"`
			Type         string                 `yaml:"type"`
			Source       map[string]interface{} `yaml:"source"`
			WebhookToken string                 `yaml:"webhook_token"`
		} `yaml:"resources"`
	}
	if err := yaml.Unmarshal([]byte(cfg), &doc); err != nil {
		return nil, err
	}
	out := make([]concourse.Resource, 0, len(doc.Resources))
	for _, r := range doc.Resources {
		out = append(out, concourse.Resource{Name: r.Name, Type: r.Type, Source: r.Source, WebhookToken: r.WebhookToken})
	}
	return out, nil
}

func (f *FakeConcourse) update(method, pipeline string, fn func(p *FakePipeline)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call(method); err != nil {
		return err
	}
	p, ok := f.pipelines[pipeline]
	if !ok {
		return errors.NotFoundError("pipeline " + pipeline)
	}
	fn(p)
	return nil
}

func (f *FakeConcourse) UnpausePipeline(_ context.Context, pipeline string) error {
	return f.update("UnpausePipeline", pipeline, func(p *FakePipeline) { p.Paused = false })
}

func (f *FakeConcourse) PausePipeline(_ context.Context, pipeline string) error {
	return f.update("PausePipeline", pipeline, func(p *FakePipeline) { p.Paused = true })
}

func (f *FakeConcourse) ExposePipeline(_ context.Context, pipeline string) error {
	return f.update("ExposePipeline", pipeline, func(p *FakePipeline) { p.Public = true })
}

func (f *FakeConcourse) ListPipelines(_ context.Context) ([]concourse.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListPipelines"); err != nil {
		return nil, err
	}
	out := make([]concourse.Pipeline, 0, len(f.order))
	for _, name := range f.order {
		p := f.pipelines[name]
		out = append(out, concourse.Pipeline{Name: name, Paused: p.Paused, Public: p.Public})
	}
	return out, nil
}

func (f *FakeConcourse) DeletePipeline(_ context.Context, pipeline string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeletePipeline"); err != nil {
		return err
	}
	if _, ok := f.pipelines[pipeline]; !ok {
		return errors.NotFoundError("pipeline " + pipeline)
	}
	delete(f.pipelines, pipeline)
	f.Deleted = append(f.Deleted, pipeline)
	kept := f.order[:0]
	for _, name := range f.order {
		if name != pipeline {
			kept = append(kept, name)
		}
	}
	f.order = kept
	return nil
}

func (f *FakeConcourse) OrderPipelines(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("OrderPipelines"); err != nil {
		return err
	}
	rank := make(map[string]int, len(names))
	for i, n := range names {
		rank[n] = i
	}
	sort.SliceStable(f.order, func(i, j int) bool {
		ri, iok := rank[f.order[i]]
		rj, jok := rank[f.order[j]]
		if iok != jok {
			return iok
		}
		return ri < rj
	})
	return nil
}

func (f *FakeConcourse) PipelineResources(_ context.Context, pipeline string) ([]concourse.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("PipelineResources"); err != nil {
		return nil, err
	}
	p, ok := f.pipelines[pipeline]
	if !ok {
		return nil, errors.NotFoundError("pipeline " + pipeline)
	}
	return append([]concourse.Resource(nil), p.Resources...), nil
}

func (f *FakeConcourse) CheckResource(_ context.Context, pipeline, resource string) error {
	f.mu.Lock()
	if err := f.call("CheckResource"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.Checks = append(f.Checks, pipeline+"/"+resource)
	hook := f.CheckHook
	f.mu.Unlock()

	if hook != nil {
		return hook(pipeline, resource)
	}
	return nil
}

func (f *FakeConcourse) ResourceVersions(_ context.Context, pipeline, resource string, limit int) ([]concourse.ResourceVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ResourceVersions"); err != nil {
		return nil, err
	}
	versions := f.versions[pipeline+"/"+resource]
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return append([]concourse.ResourceVersion(nil), versions...), nil
}

// Builds returns the newest builds first
func (f *FakeConcourse) Builds(_ context.Context, pipeline, job string, limit int) ([]concourse.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Builds"); err != nil {
		return nil, err
	}
	all := f.builds[pipeline+"/"+job]
	out := make([]concourse.Build, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *FakeConcourse) BuildInputs(_ context.Context, buildID int) ([]concourse.BuildInput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("BuildInputs"); err != nil {
		return nil, err
	}
	return f.inputs[buildID], nil
}

func (f *FakeConcourse) AbortBuild(_ context.Context, buildID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AbortBuild"); err != nil {
		return err
	}
	f.Aborted = append(f.Aborted, buildID)
	return nil
}

// ConcourseFactory returns a concourse.Factory serving fakes by team
func ConcourseFactory(teams map[string]*FakeConcourse) concourse.Factory {
	return func(_ context.Context, _ config.Backend, team string, _ config.TeamCredential) (concourse.Client, error) {
		c, ok := teams[team]
		if !ok {
			return nil, errors.ConfigElementNotFound("team", team)
		}
		return c, nil
	}
}
