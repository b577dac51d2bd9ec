// Package github reads definitions from and reacts on GitHub and GitHub Enterprise
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"ci-replicator/internal/circuitbreaker"
	"ci-replicator/internal/common/errors"
	apihttp "ci-replicator/internal/common/http"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/ratelimit"
	"ci-replicator/internal/config"
)

// PublicHost is assumed when a webhook carries no enterprise host header
const PublicHost = "github.com"

const perPage = 100

// Repository is the subset of repository metadata the replicator needs
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	Archived      bool   `json:"archived"`
}

// Client is the source-control API used by enumerators, notifications and the dispatcher
type Client interface {
	Host() string

	// FileContents returns the raw file at ref; ok is false when the file or ref does not exist
	FileContents(ctx context.Context, owner, repo, path, ref string) (data []byte, ok bool, err error)
	Repository(ctx context.Context, owner, repo string) (Repository, error)
	OrgRepositories(ctx context.Context, org string) ([]Repository, error)
	Branches(ctx context.Context, owner, repo string) ([]string, error)
	// CompareStatus returns ahead, behind, diverged or identical
	CompareStatus(ctx context.Context, owner, repo, base, head string) (string, error)
	CommitEmails(ctx context.Context, owner, repo, ref string) ([]string, error)

	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error

	IsOrgMember(ctx context.Context, org, user string) (bool, error)
	IsTeamMember(ctx context.Context, org, team, user string) (bool, error)
	TeamMembers(ctx context.Context, org, team string) ([]string, error)
	UserEmail(ctx context.Context, login string) (string, error)
}

// RESTClient implements Client with the REST v3 API
type RESTClient struct {
	api  *apihttp.Client
	host string
}

// ClientOptions are shared by all clients of a process
type ClientOptions struct {
	Breakers *circuitbreaker.Manager
	Limiter  ratelimit.Limiter
	HTTP     *http.Client
	Logger   logging.Logger
}

// NewRESTClient creates a client for one GitHub installation
func NewRESTClient(host config.GitHubHost, opts ClientOptions) *RESTClient {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	o := []apihttp.Option{
		apihttp.WithLogger(logger.WithFields(logging.String("component", "github"), logging.String("host", host.Host))),
		apihttp.WithHeader("Accept", "application/vnd.github+json"),
	}
	if host.Token != "" {
		o = append(o, apihttp.WithTokenAuth(host.Token))
	}
	if opts.HTTP != nil {
		o = append(o, apihttp.WithHTTPClient(opts.HTTP))
	}
	if opts.Breakers != nil {
		o = append(o, apihttp.WithCircuitBreaker(opts.Breakers.GetOrCreate("github:"+host.Host, circuitbreaker.SCMConfig)))
	}
	if opts.Limiter != nil {
		o = append(o, apihttp.WithRateLimiter(opts.Limiter, host.Host))
	}
	return &RESTClient{api: apihttp.NewClient(host.APIURL, o...), host: host.Host}
}

func (c *RESTClient) Host() string { return c.host }

func repoPath(owner, repo string, parts ...string) string {
	p := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *RESTClient) FileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, bool, error) {
	resp, err := c.api.Do(ctx, apihttp.Request{
		Method:  http.MethodGet,
		Path:    repoPath(owner, repo, "contents", path),
		Query:   url.Values{"ref": {ref}},
		Headers: map[string]string{"Accept": "application/vnd.github.raw"},
	})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp.Body, true, nil
}

func (c *RESTClient) Repository(ctx context.Context, owner, repo string) (Repository, error) {
	var out Repository
	_, err := c.api.GetJSON(ctx, repoPath(owner, repo), nil, &out)
	return out, err
}

// paginate fetches pages until one comes back short
func paginate[T any](ctx context.Context, api *apihttp.Client, path string) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		var items []T
		query := url.Values{"per_page": {strconv.Itoa(perPage)}, "page": {strconv.Itoa(page)}}
		if _, err := api.GetJSON(ctx, path, query, &items); err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < perPage {
			return all, nil
		}
	}
}

func (c *RESTClient) OrgRepositories(ctx context.Context, org string) ([]Repository, error) {
	return paginate[Repository](ctx, c.api, "/orgs/"+url.PathEscape(org)+"/repos")
}

func (c *RESTClient) Branches(ctx context.Context, owner, repo string) ([]string, error) {
	branches, err := paginate[struct {
		Name string `json:"name"`
	}](ctx, c.api, repoPath(owner, repo, "branches"))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(branches))
	for i, b := range branches {
		out[i] = b.Name
	}
	return out, nil
}

func (c *RESTClient) CompareStatus(ctx context.Context, owner, repo, base, head string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	_, err := c.api.GetJSON(ctx, repoPath(owner, repo, "compare", url.PathEscape(base)+"..."+url.PathEscape(head)), nil, &out)
	return out.Status, err
}

func (c *RESTClient) CommitEmails(ctx context.Context, owner, repo, ref string) ([]string, error) {
	var out struct {
		Commit struct {
			Author    struct{ Email string } `json:"author"`
			Committer struct{ Email string } `json:"committer"`
		} `json:"commit"`
	}
	if _, err := c.api.GetJSON(ctx, repoPath(owner, repo, "commits", url.PathEscape(ref)), nil, &out); err != nil {
		return nil, err
	}
	var emails []string
	for _, e := range []string{out.Commit.Author.Email, out.Commit.Committer.Email} {
		if e != "" {
			emails = append(emails, e)
		}
	}
	return emails, nil
}

func (c *RESTClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, err := c.api.Do(ctx, apihttp.Request{
		Method: http.MethodPost,
		Path:   repoPath(owner, repo, "issues", strconv.Itoa(number), "labels"),
		Body:   map[string][]string{"labels": labels},
	})
	return err
}

func (c *RESTClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	_, err := c.api.Do(ctx, apihttp.Request{
		Method: http.MethodDelete,
		Path:   repoPath(owner, repo, "issues", strconv.Itoa(number), "labels", url.PathEscape(label)),
	})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return nil
	}
	return err
}

func (c *RESTClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, err := c.api.Do(ctx, apihttp.Request{
		Method: http.MethodPost,
		Path:   repoPath(owner, repo, "issues", strconv.Itoa(number), "comments"),
		Body:   map[string]string{"body": body},
	})
	return err
}

func (c *RESTClient) IsOrgMember(ctx context.Context, org, user string) (bool, error) {
	resp, err := c.api.Do(ctx, apihttp.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/orgs/%s/members/%s", url.PathEscape(org), url.PathEscape(user)),
	})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusNoContent, nil
}

func (c *RESTClient) IsTeamMember(ctx context.Context, org, team, user string) (bool, error) {
	var out struct {
		State string `json:"state"`
	}
	_, err := c.api.GetJSON(ctx, fmt.Sprintf("/orgs/%s/teams/%s/memberships/%s",
		url.PathEscape(org), url.PathEscape(team), url.PathEscape(user)), nil, &out)
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.State == "active", nil
}

func (c *RESTClient) TeamMembers(ctx context.Context, org, team string) ([]string, error) {
	members, err := paginate[struct {
		Login string `json:"login"`
	}](ctx, c.api, fmt.Sprintf("/orgs/%s/teams/%s/members", url.PathEscape(org), url.PathEscape(team)))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Login
	}
	return out, nil
}

func (c *RESTClient) UserEmail(ctx context.Context, login string) (string, error) {
	var out struct {
		Email string `json:"email"`
	}
	_, err := c.api.GetJSON(ctx, "/users/"+url.PathEscape(login), nil, &out)
	return out.Email, err
}
