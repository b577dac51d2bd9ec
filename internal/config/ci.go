package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/validation"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Cleanup policies for a job mapping
const (
	CleanupNormal    = "normal"
	CleanupNoCleanup = "no_cleanup"
)

// CIConfig is the document describing backends, GitHub hosts and job mappings
type CIConfig struct {
	Backends    []Backend    `koanf:"backends" validate:"required,min=1,dive"`
	GitHub      []GitHubHost `koanf:"github" validate:"dive"`
	JobMappings []JobMapping `koanf:"job_mappings" validate:"required,min=1,dive"`
}

// Backend is one CI backend installation
type Backend struct {
	Name            string                    `koanf:"name" validate:"required"`
	URL             string                    `koanf:"url" validate:"required,url"`
	TeamCredentials map[string]TeamCredential `koanf:"team_credentials" validate:"dive"`
}

// TeamCredential authenticates against one backend team
type TeamCredential struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Token    string `koanf:"token" validate:"required_without=Username"`
}

// Fingerprint identifies a credential without exposing it
func (c TeamCredential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Username + "\x00" + c.Password + "\x00" + c.Token))
	return hex.EncodeToString(sum[:8])
}

// GitHubHost is one GitHub or GitHub Enterprise installation
type GitHubHost struct {
	Host   string `koanf:"host" validate:"required"`
	APIURL string `koanf:"api_url" validate:"required,url"`
	Token  string `koanf:"token"`
}

// GitHubOrg selects repositories of one organisation
type GitHubOrg struct {
	Name    string   `koanf:"name" validate:"required"`
	Host    string   `koanf:"host" validate:"required"`
	Include []string `koanf:"include" validate:"dive,regexp"`
	Exclude []string `koanf:"exclude" validate:"dive,regexp"`
}

// Matches reports whether repository passes the include and exclude filters.
// Patterns must match the whole repository name; no include list means everything.
func (o GitHubOrg) Matches(repository string) bool {
	if len(o.Include) > 0 && !matchAny(o.Include, repository) {
		return false
	}
	return !matchAny(o.Exclude, repository)
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if re, err := regexp.Compile("^(?:" + p + ")$"); err == nil && re.MatchString(s) {
			return true
		}
	}
	return false
}

// JobMapping binds a set of repositories to one team on one backend
type JobMapping struct {
	Name                     string      `koanf:"name" validate:"required"`
	Team                     string      `koanf:"team" validate:"required"`
	Backend                  string      `koanf:"backend" validate:"required"`
	CleanupPolicy            string      `koanf:"cleanup_policy" validate:"omitempty,oneof=normal no_cleanup"`
	UnpauseNewPipelines      bool        `koanf:"unpause_new_pipelines"`
	UnpauseDeployedPipelines bool        `koanf:"unpause_deployed_pipelines"`
	ExposePipelines          bool        `koanf:"expose_pipelines"`
	GitHubOrgs               []GitHubOrg `koanf:"github_orgs" validate:"dive"`
	// TrustedTeams are team slugs, optionally qualified as "org/slug", whose members may
	// label pull requests. With no trusted teams or orgs the repository owner org is trusted.
	TrustedTeams []string `koanf:"trusted_teams"`
	TrustedOrgs  []string `koanf:"trusted_orgs"`
}

// RemovesStalePipelines reports whether pipelines missing from the desired set are deleted
func (m JobMapping) RemovesStalePipelines() bool {
	return m.CleanupPolicy != CleanupNoCleanup
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadCI reads the CI config document from path, applies CIREP_ environment overrides,
// expands ${VAR} references in secrets and validates the result.
func LoadCI(path string) (*CIConfig, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read CI config %s: %v", path, err))
	}

	if err := k.Load(env.Provider("CIREP_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CIREP_")), "__", ".")
	}), nil); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read CIREP_ overrides: %v", err))
	}

	var cfg CIConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to decode CI config: %v", err))
	}

	for i := range cfg.Backends {
		for team, cred := range cfg.Backends[i].TeamCredentials {
			cred.Password = substituteEnvVars(cred.Password)
			cred.Token = substituteEnvVars(cred.Token)
			cfg.Backends[i].TeamCredentials[team] = cred
		}
	}
	for i := range cfg.GitHub {
		cfg.GitHub[i].Token = substituteEnvVars(cfg.GitHub[i].Token)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and references between sections
func (c *CIConfig) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, m := range c.JobMappings {
		if seen[m.Name] {
			return errors.ConfigError(fmt.Sprintf("duplicate job mapping %q", m.Name))
		}
		seen[m.Name] = true

		backend, err := c.Backend(m.Backend)
		if err != nil {
			return errors.ConfigError(fmt.Sprintf("job mapping %q references unknown backend %q", m.Name, m.Backend))
		}
		if _, ok := backend.TeamCredentials[m.Team]; !ok {
			return errors.ConfigError(fmt.Sprintf("backend %q has no credentials for team %q", m.Backend, m.Team))
		}
		for _, org := range m.GitHubOrgs {
			if _, err := c.GitHubHost(org.Host); err != nil {
				return errors.ConfigError(fmt.Sprintf("job mapping %q references unknown GitHub host %q", m.Name, org.Host))
			}
		}
	}
	return nil
}

// Backend returns the named backend
func (c *CIConfig) Backend(name string) (Backend, error) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, nil
		}
	}
	return Backend{}, errors.ConfigElementNotFound("backend", name)
}

// GitHubHost returns the GitHub installation for host
func (c *CIConfig) GitHubHost(host string) (GitHubHost, error) {
	for _, h := range c.GitHub {
		if strings.EqualFold(h.Host, host) {
			return h, nil
		}
	}
	return GitHubHost{}, errors.ConfigElementNotFound("github host", host)
}

// JobMapping returns the named job mapping
func (c *CIConfig) JobMapping(name string) (JobMapping, error) {
	for _, m := range c.JobMappings {
		if m.Name == name {
			return m, nil
		}
	}
	return JobMapping{}, errors.ConfigElementNotFound("job mapping", name)
}

// JobMappingForRepository finds the mapping responsible for host/owner/repository
func (c *CIConfig) JobMappingForRepository(host, owner, repository string) (JobMapping, error) {
	for _, m := range c.JobMappings {
		for _, org := range m.GitHubOrgs {
			if strings.EqualFold(org.Host, host) && strings.EqualFold(org.Name, owner) && org.Matches(repository) {
				return m, nil
			}
		}
	}
	return JobMapping{}, errors.ConfigElementNotFound("job mapping for repository", host+"/"+owner+"/"+repository)
}

// Credential returns the credential for team on backend
func (c *CIConfig) Credential(backend, team string) (TeamCredential, error) {
	b, err := c.Backend(backend)
	if err != nil {
		return TeamCredential{}, err
	}
	cred, ok := b.TeamCredentials[team]
	if !ok {
		return TeamCredential{}, errors.ConfigElementNotFound("team credential", backend+"/"+team)
	}
	return cred, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
