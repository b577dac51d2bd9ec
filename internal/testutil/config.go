package testutil

import "ci-replicator/internal/config"

// CIConfig returns a config with one backend, one public GitHub host and one job mapping
// for org "org" deployed to team "team"
func CIConfig() *config.CIConfig {
	return &config.CIConfig{
		Backends: []config.Backend{{
			Name: "ci",
			URL:  "https://ci.example.com",
			TeamCredentials: map[string]config.TeamCredential{
				"team": {Token: "secret"},
			},
		}},
		GitHub: []config.GitHubHost{{
			Host:   "github.com",
			APIURL: "https://api.github.com",
		}},
		JobMappings: []config.JobMapping{{
			Name:                "org-mapping",
			Team:                "team",
			Backend:             "ci",
			UnpauseNewPipelines: true,
			GitHubOrgs: []config.GitHubOrg{{
				Name: "org",
				Host: "github.com",
			}},
		}},
	}
}
