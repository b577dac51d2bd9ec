package notify

import (
	"context"
	"fmt"
	"strings"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/github"
	"ci-replicator/internal/models"
)

// ClientProvider returns the source-control client for a host
type ClientProvider interface {
	For(host string) (github.Client, error)
}

// Notifier tells repository owners that their pipeline could not be replicated
type Notifier struct {
	sender  Sender
	clients ClientProvider
	logger  logging.Logger
}

// NewNotifier creates a notifier
func NewNotifier(sender Sender, clients ClientProvider, logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Notifier{sender: sender, clients: clients, logger: logger.WithFields(logging.String("component", "notifier"))}
}

// Recipients resolves code owners of the branch, falling back to the head commit's
// author and committer
func (n *Notifier) Recipients(ctx context.Context, repo models.MainRepo) ([]string, error) {
	client, err := n.clients.For(repo.Hostname)
	if err != nil {
		return nil, err
	}
	emails, err := github.CodeOwnerEmails(ctx, client, repo.Owner(), repo.Name(), repo.Branch, n.logger)
	if err != nil {
		n.logger.Warn("Failed to resolve code owners",
			logging.String("repository", repo.Path),
			logging.Err(err),
		)
	}
	if len(emails) > 0 {
		return emails, nil
	}
	return client.CommitEmails(ctx, repo.Owner(), repo.Name(), repo.Branch)
}

// NotifyFailure mails the owners of a failed result. Results without a repository or
// without resolvable recipients are logged and skipped.
func (n *Notifier) NotifyFailure(ctx context.Context, result models.DeployResult) error {
	repo := result.Descriptor.MainRepo
	if repo == nil {
		n.logger.Warn("No repository to notify", logging.String("pipeline", result.PipelineName()))
		return nil
	}

	to, err := n.Recipients(ctx, *repo)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		n.logger.Warn("No recipients for failure notification",
			logging.String("pipeline", result.PipelineName()),
			logging.String("repository", repo.Path),
		)
		return nil
	}
	return n.sender.Send(ctx, FailureMessage(result, to))
}

// FailureMessage summarizes a failed result
func FailureMessage(result models.DeployResult, to []string) Message {
	d := result.Descriptor
	var b strings.Builder
	fmt.Fprintf(&b, "The pipeline %q could not be replicated.\n\n", result.PipelineName())
	if d.MainRepo != nil {
		fmt.Fprintf(&b, "Repository: %s/%s\nBranch:     %s\n", d.MainRepo.Hostname, d.MainRepo.Path, d.MainRepo.Branch)
	}
	if d.TargetBackend != "" {
		fmt.Fprintf(&b, "Target:     %s\n", d.Target())
	}
	if result.Stage != "" {
		fmt.Fprintf(&b, "Stage:      %s\n", result.Stage)
	}
	b.WriteString("\nError:\n")
	if result.Err != nil {
		b.WriteString(errors.Message(result.Err))
	}
	b.WriteString("\n\nPlease fix the pipeline definition; the pipeline is updated on the next push.\n")

	return Message{
		To:      to,
		Subject: fmt.Sprintf("[ci] pipeline %s failed to replicate", result.PipelineName()),
		Body:    b.String(),
	}
}
