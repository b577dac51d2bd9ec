package concourse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ci-replicator/internal/circuitbreaker"
	"ci-replicator/internal/common/errors"
	apihttp "ci-replicator/internal/common/http"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/ratelimit"
	"ci-replicator/internal/config"
)

// ConfigVersionHeader carries the optimistic concurrency token of a pipeline config
const ConfigVersionHeader = "X-Concourse-Config-Version"

// RESTClient implements Client on top of the backend's HTTP API
type RESTClient struct {
	api    *apihttp.Client
	team   string
	logger logging.Logger
}

// ClientOptions are shared by all clients built for one process
type ClientOptions struct {
	Breakers *circuitbreaker.Manager
	Limiter  ratelimit.Limiter
	HTTP     *http.Client
	Logger   logging.Logger
}

// NewRESTClient creates a client for team on backend. Username/password credentials are
// exchanged for a bearer token first.
func NewRESTClient(ctx context.Context, backend config.Backend, team string, cred config.TeamCredential, opts ClientOptions) (*RESTClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(logging.String("component", "concourse"), logging.String("team", team))

	base := []apihttp.Option{apihttp.WithLogger(logger)}
	if opts.HTTP != nil {
		base = append(base, apihttp.WithHTTPClient(opts.HTTP))
	}
	if opts.Breakers != nil {
		base = append(base, apihttp.WithCircuitBreaker(opts.Breakers.GetOrCreate("concourse:"+backend.Name, circuitbreaker.BackendConfig)))
	}
	if opts.Limiter != nil {
		base = append(base, apihttp.WithRateLimiter(opts.Limiter, backend.Name))
	}

	token := cred.Token
	if token == "" {
		var err error
		token, err = login(ctx, apihttp.NewClient(backend.URL, base...), cred)
		if err != nil {
			return nil, err
		}
	}

	return &RESTClient{
		api:    apihttp.NewClient(backend.URL, append(base, apihttp.WithBearerToken(token))...),
		team:   team,
		logger: logger,
	}, nil
}

// login performs the password grant fly uses
func login(ctx context.Context, api *apihttp.Client, cred config.TeamCredential) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {cred.Username},
		"password":   {cred.Password},
		"scope":      {"openid profile email federated:id groups"},
	}
	resp, err := api.Do(ctx, apihttp.Request{
		Method:      http.MethodPost,
		Path:        "/sky/issuer/token",
		RawBody:     []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Headers:     map[string]string{"Authorization": "Basic Zmx5OlpteDU="},
	})
	if err != nil {
		return "", errors.BackendError("failed to log in to CI backend", err)
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := resp.JSON(&token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", errors.BackendError("CI backend returned an empty token", nil)
	}
	return token.AccessToken, nil
}

func (c *RESTClient) Team() string    { return c.team }
func (c *RESTClient) BaseURL() string { return c.api.BaseURL() }

func (c *RESTClient) pipelinePath(pipeline string, parts ...string) string {
	p := fmt.Sprintf("/api/v1/teams/%s/pipelines/%s", url.PathEscape(c.team), url.PathEscape(pipeline))
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

type pipelineConfig struct {
	Config struct {
		Resources []Resource `json:"resources"`
	} `json:"config"`
}

func (c *RESTClient) PipelineConfigVersion(ctx context.Context, pipeline string) (string, bool, error) {
	resp, err := c.api.Do(ctx, apihttp.Request{Method: http.MethodGet, Path: c.pipelinePath(pipeline, "config")})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.Header.Get(ConfigVersionHeader), true, nil
}

func (c *RESTClient) SetPipeline(ctx context.Context, pipeline, cfg, version string) error {
	headers := map[string]string{}
	if version != "" {
		headers[ConfigVersionHeader] = version
	}
	_, err := c.api.Do(ctx, apihttp.Request{
		Method:      http.MethodPut,
		Path:        c.pipelinePath(pipeline, "config"),
		RawBody:     []byte(cfg),
		ContentType: "application/x-yaml",
		Headers:     headers,
	})
	if errors.IsType(err, errors.ErrTypeConflict) {
		return errors.ConflictError(fmt.Sprintf("pipeline %q changed on the backend since its version was read", pipeline))
	}
	return err
}

func (c *RESTClient) put(ctx context.Context, path string) error {
	_, err := c.api.Do(ctx, apihttp.Request{Method: http.MethodPut, Path: path})
	return err
}

func (c *RESTClient) UnpausePipeline(ctx context.Context, pipeline string) error {
	return c.put(ctx, c.pipelinePath(pipeline, "unpause"))
}

func (c *RESTClient) PausePipeline(ctx context.Context, pipeline string) error {
	return c.put(ctx, c.pipelinePath(pipeline, "pause"))
}

func (c *RESTClient) ExposePipeline(ctx context.Context, pipeline string) error {
	return c.put(ctx, c.pipelinePath(pipeline, "expose"))
}

func (c *RESTClient) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var out []Pipeline
	_, err := c.api.GetJSON(ctx, fmt.Sprintf("/api/v1/teams/%s/pipelines", url.PathEscape(c.team)), nil, &out)
	return out, err
}

func (c *RESTClient) DeletePipeline(ctx context.Context, pipeline string) error {
	_, err := c.api.Do(ctx, apihttp.Request{Method: http.MethodDelete, Path: c.pipelinePath(pipeline)})
	return err
}

func (c *RESTClient) OrderPipelines(ctx context.Context, names []string) error {
	_, err := c.api.Do(ctx, apihttp.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/api/v1/teams/%s/pipelines/ordering", url.PathEscape(c.team)),
		Body:   names,
	})
	return err
}

// PipelineResources reads resources from the pipeline config, the only place webhook
// tokens are visible
func (c *RESTClient) PipelineResources(ctx context.Context, pipeline string) ([]Resource, error) {
	var cfg pipelineConfig
	if _, err := c.api.GetJSON(ctx, c.pipelinePath(pipeline, "config"), nil, &cfg); err != nil {
		return nil, err
	}
	return cfg.Config.Resources, nil
}

func (c *RESTClient) CheckResource(ctx context.Context, pipeline, resource string) error {
	_, err := c.api.Do(ctx, apihttp.Request{
		Method:   http.MethodPost,
		Path:     c.pipelinePath(pipeline, "resources", resource, "check"),
		Body:     map[string]interface{}{"from": nil},
		Expected: isNoParentVersion,
	})
	return err
}

func (c *RESTClient) ResourceVersions(ctx context.Context, pipeline, resource string, limit int) ([]ResourceVersion, error) {
	var out []ResourceVersion
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	_, err := c.api.GetJSON(ctx, c.pipelinePath(pipeline, "resources", resource, "versions"), query, &out)
	return out, err
}

func (c *RESTClient) Builds(ctx context.Context, pipeline, job string, limit int) ([]Build, error) {
	var out []Build
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	_, err := c.api.GetJSON(ctx, c.pipelinePath(pipeline, "jobs", job, "builds"), query, &out)
	return out, err
}

func (c *RESTClient) BuildInputs(ctx context.Context, buildID int) ([]BuildInput, error) {
	var out struct {
		Inputs []BuildInput `json:"inputs"`
	}
	_, err := c.api.GetJSON(ctx, "/api/v1/builds/"+strconv.Itoa(buildID)+"/resources", nil, &out)
	return out.Inputs, err
}

func (c *RESTClient) AbortBuild(ctx context.Context, buildID int) error {
	return c.put(ctx, "/api/v1/builds/"+strconv.Itoa(buildID)+"/abort")
}

// PipelineURL is the browser URL of a pipeline
func PipelineURL(c Client, pipeline string) string {
	return strings.TrimRight(c.BaseURL(), "/") + "/teams/" + url.PathEscape(c.Team()) + "/pipelines/" + url.PathEscape(pipeline)
}
