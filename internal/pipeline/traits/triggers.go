package traits

import (
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/validation"
	"ci-replicator/internal/pipeline/core"
)

// PullRequestPolicies controls which pull requests are built
type PullRequestPolicies struct {
	RequireLabel     string `mapstructure:"require-label"`
	ReplacementLabel string `mapstructure:"replacement-label"`
	BuildForks       bool   `mapstructure:"build-forks"`
}

// PullRequestTrait turns the variant into a pull request build
type PullRequestTrait struct {
	Policies PullRequestPolicies `mapstructure:"policies"`
}

// DefaultRequiredLabel must be present on a pull request before it is built
const DefaultRequiredLabel = "reviewed/ok-to-test"

func newPullRequest(raw interface{}) (Trait, error) {
	t := &PullRequestTrait{Policies: PullRequestPolicies{RequireLabel: DefaultRequiredLabel, BuildForks: true}}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *PullRequestTrait) Name() string             { return NamePullRequest }
func (t *PullRequestTrait) Dependencies() []string   { return dependenciesOf(NamePullRequest) }
func (t *PullRequestTrait) InjectSteps() []core.Step { return nil }
func (t *PullRequestTrait) sealed()                  {}

func (t *PullRequestTrait) Process(b *core.VariantBuilder) error {
	ok := b.UpdateMainRepository(func(r *core.RepoConfig) {
		r.PullRequest = true
		r.RequireLabel = t.Policies.RequireLabel
		r.BuildForks = t.Policies.BuildForks
	})
	if !ok {
		return errors.DefinitionError("pull request variants need a main repository")
	}
	b.MarkPullRequest()
	return nil
}

// AbortPolicy decides when running builds of a job are aborted after a push
type AbortPolicy string

const (
	AbortNever           AbortPolicy = "never"
	AbortOnForcePushOnly AbortPolicy = "on_force_push_only"
	AbortAlways          AbortPolicy = "always"
)

// SchedulingTrait tunes how builds of the job are scheduled
type SchedulingTrait struct {
	SuppressParallelExecution bool        `mapstructure:"suppress_parallel_execution"`
	AbortObsoleteBuilds       AbortPolicy `mapstructure:"abort_obsolete_builds" validate:"oneof=never on_force_push_only always"`
}

func newScheduling(raw interface{}) (Trait, error) {
	t := &SchedulingTrait{AbortObsoleteBuilds: AbortNever}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SchedulingTrait) Name() string                         { return NameScheduling }
func (t *SchedulingTrait) Dependencies() []string               { return dependenciesOf(NameScheduling) }
func (t *SchedulingTrait) InjectSteps() []core.Step             { return nil }
func (t *SchedulingTrait) Process(b *core.VariantBuilder) error { return nil }
func (t *SchedulingTrait) sealed()                              {}

// CronTrait triggers the job periodically
type CronTrait struct {
	Interval string `mapstructure:"interval" validate:"omitempty,go_duration"`
	Schedule string `mapstructure:"schedule" validate:"omitempty,cron_expression"`
}

func newCron(raw interface{}) (Trait, error) {
	t := &CronTrait{}
	if err := decode(raw, t); err != nil {
		return nil, err
	}
	if (t.Interval == "") == (t.Schedule == "") {
		return nil, errors.DefinitionError("exactly one of interval or schedule is required")
	}
	return t, nil
}

// Period returns the interval, or the gap between the next two scheduled runs after from
func (t *CronTrait) Period(from time.Time) time.Duration {
	if t.Interval != "" {
		d, _ := time.ParseDuration(t.Interval)
		return d
	}
	sched, err := validation.ParseCron(t.Schedule)
	if err != nil {
		return 0
	}
	next := sched.Next(from)
	return sched.Next(next).Sub(next)
}

func (t *CronTrait) Name() string                         { return NameCron }
func (t *CronTrait) Dependencies() []string               { return dependenciesOf(NameCron) }
func (t *CronTrait) InjectSteps() []core.Step             { return nil }
func (t *CronTrait) Process(b *core.VariantBuilder) error { return nil }
func (t *CronTrait) sealed()                              {}
