package notify

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/models"
	"ci-replicator/internal/testutil"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func TestCompose(t *testing.T) {
	s := NewSMTPSender(SMTPSettings{From: "ci@example.com", FromName: "CI"}, logging.NewNopLogger())
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	data, err := s.Compose(Message{To: []string{"a@example.com", "b@example.com"}, Subject: "hello", Body: "body text"})
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(data))
	require.NoError(t, err)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "hello", subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "b@example.com", to[1].Address)

	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	assert.Equal(t, "CI", from[0].Name)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "body text", string(body))
}

func TestSendWithoutRecipients(t *testing.T) {
	s := NewSMTPSender(SMTPSettings{Host: "localhost", Port: "25"}, logging.NewNopLogger())
	err := s.Send(context.Background(), Message{Subject: "x"})
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func failedResult() models.DeployResult {
	return models.DeployResult{
		Descriptor: models.DefinitionDescriptor{
			PipelineName:  "app",
			MainRepo:      &models.MainRepo{Path: "org/app", Branch: "master", Hostname: "github.com"},
			TargetBackend: "ci",
			TargetTeam:    "team",
		},
		Status: models.DeployFailed,
		Stage:  "render",
		Err:    errors.DefinitionError(`step "build": image must carry a tag`),
	}
}

func TestNotifyFailureUsesCodeOwners(t *testing.T) {
	gh := testutil.NewFakeGitHub("github.com")
	gh.SetFile("org", "app", "master", "CODEOWNERS", "* @alice owner@example.com\n")
	gh.SetUserEmail("alice", "alice@example.com")
	gh.SetCommitEmails("org", "app", "master", "committer@example.com")

	sender := &recordingSender{}
	n := NewNotifier(sender, testutil.GitHubClients{"github.com": gh}, logging.NewNopLogger())
	require.NoError(t, n.NotifyFailure(context.Background(), failedResult()))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, []string{"alice@example.com", "owner@example.com"}, msg.To)
	assert.Contains(t, msg.Subject, "app-master")
	assert.Contains(t, msg.Body, "image must carry a tag")
	assert.Contains(t, msg.Body, "Stage:      render")
}

func TestNotifyFailureFallsBackToCommitters(t *testing.T) {
	gh := testutil.NewFakeGitHub("github.com")
	gh.SetCommitEmails("org", "app", "master", "committer@example.com")

	sender := &recordingSender{}
	n := NewNotifier(sender, testutil.GitHubClients{"github.com": gh}, logging.NewNopLogger())
	require.NoError(t, n.NotifyFailure(context.Background(), failedResult()))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"committer@example.com"}, sender.sent[0].To)
}

func TestNotifyFailureWithoutRepository(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, testutil.GitHubClients{}, logging.NewNopLogger())

	result := failedResult()
	result.Descriptor.MainRepo = nil
	require.NoError(t, n.NotifyFailure(context.Background(), result))
	assert.Empty(t, sender.sent)
}

func TestNotifyFailureUnknownHost(t *testing.T) {
	n := NewNotifier(&recordingSender{}, testutil.GitHubClients{}, logging.NewNopLogger())
	assert.Error(t, n.NotifyFailure(context.Background(), failedResult()))
}
