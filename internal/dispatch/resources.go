package dispatch

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/github"
	"ci-replicator/internal/models"
	"ci-replicator/internal/replication"

	"golang.org/x/sync/errgroup"
)

// resourceFetchWorkers bounds concurrent resource listings per team
const resourceFetchWorkers = 8

// ResourceMatcher selects the resources an event affects
type ResourceMatcher func(concourse.Resource) bool

// AffectedPipeline is a deployed pipeline with the resources an event affects
type AffectedPipeline struct {
	Target    models.Target
	Client    concourse.Client
	Pipeline  string
	Resources []concourse.Resource
}

// ResourceFinder locates deployed resources that track a repository
type ResourceFinder struct {
	store    *config.Store
	backends replication.ClientSource
	logger   logging.Logger
}

// NewResourceFinder creates a finder
func NewResourceFinder(store *config.Store, backends replication.ClientSource, logger logging.Logger) *ResourceFinder {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ResourceFinder{store: store, backends: backends, logger: logger.WithFields(logging.String("component", "resource_finder"))}
}

// Find lists the pipelines of the team the repository is mapped to and returns those
// with at least one matching resource, sorted by pipeline name
func (f *ResourceFinder) Find(ctx context.Context, host string, repo Repository, match ResourceMatcher) ([]AffectedPipeline, error) {
	cfg := f.store.Current()
	owner, name := repo.Split()
	mapping, err := cfg.JobMappingForRepository(host, owner, name)
	if err != nil {
		return nil, err
	}
	client, err := f.backends.ForTarget(ctx, cfg, mapping.Backend, mapping.Team)
	if err != nil {
		return nil, err
	}
	pipelines, err := client.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}

	target := models.Target{Backend: mapping.Backend, Team: mapping.Team}
	var (
		mu  sync.Mutex
		out []AffectedPipeline
	)
	var g errgroup.Group
	g.SetLimit(resourceFetchWorkers)
	for _, p := range pipelines {
		g.Go(func() error {
			resources, err := client.PipelineResources(ctx, p.Name)
			if err != nil {
				f.logger.Warn("Failed to list pipeline resources",
					logging.String("pipeline", p.Name),
					logging.Err(err),
				)
				return nil
			}
			var matched []concourse.Resource
			for _, r := range resources {
				if match(r) {
					matched = append(matched, r)
				}
			}
			if len(matched) == 0 {
				return nil
			}
			mu.Lock()
			out = append(out, AffectedPipeline{Target: target, Client: client, Pipeline: p.Name, Resources: matched})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out, nil
}

// GitResources matches git resources tracking branch of repository on host
func GitResources(host, fullName, branch string) ResourceMatcher {
	want := strings.ToLower(host + "/" + fullName)
	return func(r concourse.Resource) bool {
		if !r.IsGit() || r.SourceString("branch") != branch {
			return false
		}
		return normalizeRepoURI(r.SourceString("uri")) == want
	}
}

// PullRequestResources matches pull request resources of repository on host that build
// pull requests against baseBranch; resources without a base branch match every branch
func PullRequestResources(host, fullName, baseBranch string) ResourceMatcher {
	return func(r concourse.Resource) bool {
		if !r.IsPullRequest() || !strings.EqualFold(r.SourceString("repository"), fullName) {
			return false
		}
		if !strings.EqualFold(pullRequestHost(r), host) {
			return false
		}
		base := r.SourceString("base_branch")
		return base == "" || base == baseBranch
	}
}

func pullRequestHost(r concourse.Resource) string {
	endpoint := r.SourceString("v3_endpoint")
	if endpoint == "" {
		return github.PublicHost
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// normalizeRepoURI maps https and scp-style clone URLs to host/owner/name
func normalizeRepoURI(uri string) string {
	s := strings.ToLower(strings.TrimSpace(uri))
	if rest, ok := strings.CutPrefix(s, "git@"); ok {
		s = strings.Replace(rest, ":", "/", 1)
	} else if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Host + u.Path
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	return s
}

// requiredLabels returns the labels a pull request resource filters on
func requiredLabels(r concourse.Resource) []string {
	var out []string
	switch labels := r.Source["labels"].(type) {
	case []interface{}:
		for _, l := range labels {
			if s, ok := l.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, labels...)
	}
	return out
}
