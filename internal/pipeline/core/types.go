package core

import (
	"slices"
	"sort"
	"strings"
)

// Step is one unit of work inside a variant's job
type Step struct {
	Name          string
	Image         string
	Execute       []string
	Inputs        map[string]string
	Outputs       map[string]string
	OutputDir     string
	Timeout       string
	PrivilegeMode string
	Vars          map[string]string
	Notifications map[string]interface{}
	// Synthetic steps are injected by traits rather than written by users
	Synthetic bool

	// depends always contains the step itself as a sentinel
	depends []string
}

// Depends returns the dependency set, including the step's own name
func (s Step) Depends() []string {
	return slices.Clone(s.depends)
}

// Upstream returns the steps this step waits for
func (s Step) Upstream() []string {
	out := make([]string, 0, len(s.depends))
	for _, d := range s.depends {
		if d != s.Name {
			out = append(out, d)
		}
	}
	return out
}

// MainRepositoryName is the logical name of the repository a definition was read from
const MainRepositoryName = "source"

// RepoConfig describes a repository a variant consumes
type RepoConfig struct {
	// Name is the logical name steps refer to; the main repository is "source"
	Name         string
	Path         string
	Branch       string
	Hostname     string
	Trigger      bool
	IncludePaths []string
	ExcludePaths []string
	Main         bool

	PullRequest  bool
	RequireLabel string
	BuildForks   bool
}

// Owner returns the organisation part of Path
func (r RepoConfig) Owner() string {
	owner, _, _ := strings.Cut(r.Path, "/")
	return owner
}

// RepoName returns the repository part of Path
func (r RepoConfig) RepoName() string {
	_, name, _ := strings.Cut(r.Path, "/")
	return name
}

// ResourceName is the backend resource name for this repository
func (r RepoConfig) ResourceName() string {
	name := strings.ReplaceAll(r.Path, "/", "_")
	if !r.Main {
		name = r.Name + "_" + name
	}
	if r.PullRequest {
		name += "_pr"
	}
	return name
}

// CloneURL returns the https clone URL
func (r RepoConfig) CloneURL() string {
	return "https://" + r.Hostname + "/" + r.Path
}

// Trait is the part of a trait the compiled model exposes
type Trait interface {
	Name() string
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
