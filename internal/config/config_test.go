package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCIConfig = `
backends:
  - name: central
    url: https://concourse.example.com
    team_credentials:
      main:
        token: ${TEST_CONCOURSE_TOKEN}
github:
  - host: github.com
    api_url: https://api.github.com
    token: gh-token
job_mappings:
  - name: main
    team: main
    backend: central
    unpause_new_pipelines: true
    github_orgs:
      - name: gardener
        host: github.com
        include: ["cc-.*"]
        exclude: ["cc-legacy"]
    trusted_teams: ["gardener/ci"]
`

func writeCIConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ci-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 16, cfg.ReplicationWorkers)
	assert.Equal(t, 10, cfg.PRReconcileRetries)
	assert.Equal(t, 1.2, cfg.PRReconcileBackoff)
	assert.Equal(t, 5, cfg.ResourceCheckRetries)
	assert.Equal(t, time.Second, cfg.ResourceCheckDelay)
	assert.Equal(t, 5, cfg.AbortMaxBuilds)
	assert.Equal(t, 600, cfg.WebhookRateLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_WORKERS", "2")
	t.Setenv("RESOURCE_CHECK_DELAY", "250ms")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2, cfg.DispatchWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.ResourceCheckDelay)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = "x" }},
		{"zero workers", func(c *Config) { c.ReplicationWorkers = 0 }},
		{"unparsable int", func(c *Config) { c.DispatchQueueSize = -1 }},
		{"backoff below one", func(c *Config) { c.PRReconcileBackoff = 0.5 }},
		{"negative webhook rate", func(c *Config) { c.WebhookRateLimit = -1 }},
		{"bad webhook window", func(c *Config) { c.WebhookRateWindow = 0 }},
		{"redis db range", func(c *Config) { c.RedisAddress = "localhost:6379"; c.RedisDB = 16 }},
		{"smtp without host", func(c *Config) { c.SMTPEnabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
		})
	}
}

func TestLoadCI(t *testing.T) {
	t.Setenv("TEST_CONCOURSE_TOKEN", "s3cret")

	cfg, err := LoadCI(writeCIConfig(t, sampleCIConfig))
	require.NoError(t, err)

	cred, err := cfg.Credential("central", "main")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cred.Token)

	mapping, err := cfg.JobMappingForRepository("github.com", "gardener", "cc-utils")
	require.NoError(t, err)
	assert.Equal(t, "main", mapping.Name)
	assert.True(t, mapping.UnpauseNewPipelines)
	assert.True(t, mapping.RemovesStalePipelines())

	_, err = cfg.JobMappingForRepository("github.com", "gardener", "cc-legacy")
	assert.ErrorIs(t, err, errors.ErrConfigElementNotFound)

	_, err = cfg.JobMappingForRepository("github.com", "gardener", "other")
	assert.ErrorIs(t, err, errors.ErrConfigElementNotFound)

	host, err := cfg.GitHubHost("GitHub.com")
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com", host.APIURL)
}

func TestLoadCI_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "empty document",
			content: "",
			want:    "job_mappings",
		},
		{
			name: "unknown backend",
			content: `
backends:
  - name: central
    url: https://c.example.com
    team_credentials: {main: {token: t}}
job_mappings:
  - {name: main, team: main, backend: elsewhere}
`,
			want: `unknown backend "elsewhere"`,
		},
		{
			name: "bad cleanup policy",
			content: `
backends:
  - name: central
    url: https://c.example.com
    team_credentials: {main: {token: t}}
job_mappings:
  - {name: main, team: main, backend: central, cleanup_policy: sometimes}
`,
			want: "cleanup_policy must be one of",
		},
		{
			name: "missing team credentials",
			content: `
backends:
  - name: central
    url: https://c.example.com
    team_credentials: {other: {token: t}}
job_mappings:
  - {name: main, team: main, backend: central}
`,
			want: `no credentials for team "main"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCI(writeCIConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStoreReload(t *testing.T) {
	t.Setenv("TEST_CONCOURSE_TOKEN", "one")
	path := writeCIConfig(t, sampleCIConfig)

	store, err := NewStore(path, logging.NewNopLogger())
	require.NoError(t, err)

	var reloaded *CIConfig
	store.OnReload(func(cfg *CIConfig) { reloaded = cfg })

	t.Setenv("TEST_CONCOURSE_TOKEN", "two")
	require.NoError(t, store.Reload())
	require.NotNil(t, reloaded)
	assert.Same(t, reloaded, store.Current())

	cred, err := store.Current().Credential("central", "main")
	require.NoError(t, err)
	assert.Equal(t, "two", cred.Token)

	require.NoError(t, os.WriteFile(path, []byte("backends: []"), 0o600))
	assert.Error(t, store.Reload())
	assert.Same(t, reloaded, store.Current(), "failed reload keeps previous document")
}

func TestFingerprintHidesSecret(t *testing.T) {
	a := TeamCredential{Token: "abc"}
	b := TeamCredential{Token: "abd"}

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.NotContains(t, a.Fingerprint(), "abc")
	assert.Len(t, a.Fingerprint(), 16)
}
