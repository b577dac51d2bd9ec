package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/utils"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/github"
	"ci-replicator/internal/observability"

	"github.com/samber/lo"
)

var errVersionPending = stderrors.New("pull request version not yet emitted")

// ReconcilePolicy bounds polling for pull request resource versions
type ReconcilePolicy struct {
	Retries      int
	InitialDelay time.Duration
	Backoff      float64
}

// DefaultReconcilePolicy polls ten times, growing the delay by 20% each time
func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{Retries: 10, InitialDelay: 2 * time.Second, Backoff: 1.2}
}

const untrustedComment = "Thank you for your contribution. Builds of this pull request start once a " +
	"member of a trusted team adds the label(s) %s."

const relabelComment = "New commits were pushed by a contributor outside the trusted teams, so the " +
	"label(s) %s were removed. A trusted member needs to add them again to build this pull request."

// pendingResource is a pull request resource expected to emit a version for the pull request
type pendingResource struct {
	client   concourse.Client
	pipeline string
	resource string
}

func (p pendingResource) String() string { return p.pipeline + "/" + p.resource }

// PRResourceReconciler makes sure pull request resources pick up a pull request
type PRResourceReconciler struct {
	finder      *ResourceFinder
	github      definition.ClientProvider
	store       *config.Store
	policy      ReconcilePolicy
	checkPolicy concourse.CheckRetryPolicy
	metrics     *observability.Metrics
	logger      logging.Logger
}

// NewPRResourceReconciler creates a reconciler
func NewPRResourceReconciler(finder *ResourceFinder, gh definition.ClientProvider, store *config.Store,
	policy ReconcilePolicy, checkPolicy concourse.CheckRetryPolicy, metrics *observability.Metrics, logger logging.Logger) *PRResourceReconciler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if policy.Retries <= 0 {
		policy.Retries = DefaultReconcilePolicy().Retries
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultReconcilePolicy().Backoff
	}
	return &PRResourceReconciler{
		finder:      finder,
		github:      gh,
		store:       store,
		policy:      policy,
		checkPolicy: checkPolicy,
		metrics:     metrics,
		logger:      logger.WithFields(logging.String("component", "pr_reconciler")),
	}
}

// prState tracks label changes made while reconciling one event
type prState struct {
	ev        PullRequestEvent
	number    int
	gh        github.Client
	labels    map[string]bool
	commented bool
	trusted   *bool
}

// Reconcile labels the pull request where the sender is trusted, triggers checks of the
// matching pull request resources and waits until each of them emitted a version for it
func (r *PRResourceReconciler) Reconcile(ctx context.Context, host string, ev PullRequestEvent) error {
	if !reconciledActions[ev.Action] {
		return nil
	}
	number := ev.Number
	if number == 0 {
		number = ev.PullRequest.Number
	}
	logger := r.logger.WithFields(
		logging.String("repository", ev.Repository.FullName),
		logging.Int("pull_request", number),
		logging.String("action", ev.Action),
	)

	affected, err := r.finder.Find(ctx, host, ev.Repository, PullRequestResources(host, ev.Repository.FullName, ev.PullRequest.Base.Ref))
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		logger.Debug("No pull request resources track this repository")
		return nil
	}

	gh, err := r.github.For(host)
	if err != nil {
		return err
	}
	state := &prState{
		ev:     ev,
		number: number,
		gh:     gh,
		labels: lo.SliceToMap(ev.PullRequest.Labels, func(l Label) (string, bool) { return l.Name, true }),
	}

	var pending []pendingResource
	for _, a := range affected {
		for _, res := range a.Resources {
			if r.ensureLabels(ctx, host, state, requiredLabels(res), logger) {
				pending = append(pending, pendingResource{client: a.Client, pipeline: a.Pipeline, resource: res.Name})
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return r.awaitVersions(ctx, ev.Repository.FullName, number, pending, logger)
}

// ensureLabels reports whether a resource filtering on labels should pick up the pull
// request, adding missing labels for trusted senders
func (r *PRResourceReconciler) ensureLabels(ctx context.Context, host string, s *prState, labels []string, logger logging.Logger) bool {
	if len(labels) == 0 {
		return true
	}
	owner, name := s.ev.Repository.Split()
	missing := lo.Filter(labels, func(l string, _ int) bool { return !s.labels[l] })

	if len(missing) == 0 {
		if s.ev.Action != "synchronize" || r.isTrusted(ctx, host, s, logger) {
			return true
		}
		for _, l := range labels {
			if err := s.gh.RemoveLabel(ctx, owner, name, s.number, l); err != nil {
				logger.Warn("Failed to remove label", logging.String("label", l), logging.Err(err))
				continue
			}
			delete(s.labels, l)
		}
		r.comment(ctx, s, fmt.Sprintf(relabelComment, quoteAll(labels)), logger)
		return false
	}

	if !r.isTrusted(ctx, host, s, logger) {
		r.comment(ctx, s, fmt.Sprintf(untrustedComment, quoteAll(missing)), logger)
		return false
	}
	if err := s.gh.AddLabels(ctx, owner, name, s.number, missing); err != nil {
		logger.Error("Failed to label pull request", err, logging.Any("labels", missing))
		return false
	}
	for _, l := range missing {
		s.labels[l] = true
	}
	logger.Info("Labeled pull request", logging.Any("labels", missing), logging.String("sender", s.ev.Sender.Login))
	return true
}

func (r *PRResourceReconciler) comment(ctx context.Context, s *prState, body string, logger logging.Logger) {
	if s.commented {
		return
	}
	owner, name := s.ev.Repository.Split()
	if err := s.gh.CreateComment(ctx, owner, name, s.number, body); err != nil {
		logger.Warn("Failed to comment on pull request", logging.Err(err))
		return
	}
	s.commented = true
}

// isTrusted checks the sender against the trusted orgs and teams of the repository's job
// mapping, once per event
func (r *PRResourceReconciler) isTrusted(ctx context.Context, host string, s *prState, logger logging.Logger) bool {
	if s.trusted != nil {
		return *s.trusted
	}
	trusted := r.checkTrust(ctx, host, s, logger)
	s.trusted = &trusted
	return trusted
}

func (r *PRResourceReconciler) checkTrust(ctx context.Context, host string, s *prState, logger logging.Logger) bool {
	sender := s.ev.Sender.Login
	if sender == "" {
		return false
	}
	owner, name := s.ev.Repository.Split()
	mapping, err := r.store.Current().JobMappingForRepository(host, owner, name)
	if err != nil {
		logger.Warn("No job mapping, treating sender as untrusted", logging.Err(err))
		return false
	}

	orgs := mapping.TrustedOrgs
	if len(orgs) == 0 && len(mapping.TrustedTeams) == 0 {
		orgs = []string{owner}
	}
	for _, org := range orgs {
		ok, err := s.gh.IsOrgMember(ctx, org, sender)
		if err != nil {
			logger.Warn("Org membership check failed", logging.String("org", org), logging.Err(err))
			continue
		}
		if ok {
			return true
		}
	}
	for _, team := range mapping.TrustedTeams {
		org, slug, qualified := strings.Cut(team, "/")
		if !qualified {
			org, slug = owner, team
		}
		ok, err := s.gh.IsTeamMember(ctx, org, slug, sender)
		if err != nil {
			logger.Warn("Team membership check failed", logging.String("team", team), logging.Err(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// awaitVersions triggers checks and polls until every resource emitted a version for the
// pull request. Exhausting the retries records a failure and gives up.
func (r *PRResourceReconciler) awaitVersions(ctx context.Context, repository string, number int, pending []pendingResource, logger logging.Logger) error {
	for _, p := range pending {
		err := concourse.TriggerResourceCheck(ctx, p.client, p.pipeline, p.resource, r.checkPolicy)
		r.metrics.RecordResourceCheck(ctx, err == nil)
		if err != nil {
			logger.Warn("Resource check failed", logging.String("resource", p.String()), logging.Err(err))
		}
	}

	outstanding := pending
	err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		MaxAttempts:     r.policy.Retries,
		InitialDelay:    r.policy.InitialDelay,
		BackoffFactor:   r.policy.Backoff,
		RetryableErrors: func(err error) bool { return stderrors.Is(err, errVersionPending) },
	}, func() error {
		outstanding = r.outstanding(ctx, outstanding, number, logger)
		if len(outstanding) == 0 {
			return nil
		}
		for _, p := range outstanding {
			if err := p.client.CheckResource(ctx, p.pipeline, p.resource); err != nil {
				logger.Debug("Resource check failed", logging.String("resource", p.String()), logging.Err(err))
			}
		}
		return errVersionPending
	})
	if err == nil {
		logger.Info("Pull request resources updated", logging.Int("resources", len(pending)))
		return nil
	}

	r.metrics.RecordPRReconcileFailure(ctx, repository)
	names := lo.Map(outstanding, func(p pendingResource, _ int) string { return p.String() })
	logger.Warn("Pull request resources did not pick up the pull request",
		logging.Any("resources", names),
		logging.Int("retries", r.policy.Retries),
	)
	return errors.TimeoutError(fmt.Sprintf("waiting for pull request #%d on %s", number, strings.Join(names, ", ")))
}

// outstanding returns the resources with no version for the pull request yet
func (r *PRResourceReconciler) outstanding(ctx context.Context, pending []pendingResource, number int, logger logging.Logger) []pendingResource {
	want := strconv.Itoa(number)
	var out []pendingResource
	for _, p := range pending {
		versions, err := p.client.ResourceVersions(ctx, p.pipeline, p.resource, 0)
		if err != nil {
			logger.Debug("Failed to list resource versions", logging.String("resource", p.String()), logging.Err(err))
			out = append(out, p)
			continue
		}
		if !lo.ContainsBy(versions, func(v concourse.ResourceVersion) bool { return v.Version["pr"] == want }) {
			out = append(out, p)
		}
	}
	return out
}

func quoteAll(labels []string) string {
	return strings.Join(lo.Map(labels, func(l string, _ int) string { return strconv.Quote(l) }), ", ")
}
