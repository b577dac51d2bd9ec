// Package notify mails repository owners about pipelines that failed to replicate
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/config"

	"github.com/emersion/go-message/mail"
)

// Message is a plain text mail
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers messages
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSettings is the subset of the process config the SMTP sender needs
type SMTPSettings struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	UseSSL     bool
	UseTLS     bool
	SkipVerify bool
}

// SettingsFromConfig extracts the SMTP settings
func SettingsFromConfig(cfg *config.Config) SMTPSettings {
	return SMTPSettings{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		From:       cfg.SMTPFrom,
		FromName:   cfg.SMTPFromName,
		UseSSL:     cfg.SMTPUseSSL,
		UseTLS:     cfg.SMTPUseTLS,
		SkipVerify: cfg.SMTPSkipVerify,
	}
}

// SMTPSender sends mail through an SMTP relay
type SMTPSender struct {
	settings SMTPSettings
	logger   logging.Logger
	now      func() time.Time
}

// NewSMTPSender creates a sender for settings
func NewSMTPSender(settings SMTPSettings, logger logging.Logger) *SMTPSender {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &SMTPSender{
		settings: settings,
		logger:   logger.WithFields(logging.String("component", "smtp")),
		now:      time.Now,
	}
}

// Compose renders msg as an RFC 5322 message
func (s *SMTPSender) Compose(msg Message) ([]byte, error) {
	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, &mail.Address{Address: addr})
	}

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.settings.FromName, Address: s.settings.From}})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Send delivers msg; the context bounds the connection attempt
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.ValidationError("message has no recipients")
	}
	data, err := s.Compose(msg)
	if err != nil {
		return errors.InternalError("failed to compose message", err)
	}

	addr := net.JoinHostPort(s.settings.Host, s.settings.Port)
	var auth smtp.Auth
	if s.settings.Username != "" {
		auth = smtp.PlainAuth("", s.settings.Username, s.settings.Password, s.settings.Host)
	}

	if s.settings.UseSSL {
		err = s.sendImplicitTLS(ctx, addr, auth, msg.To, data)
	} else {
		// smtp.SendMail upgrades with STARTTLS when the server offers it
		err = smtp.SendMail(addr, auth, s.settings.From, msg.To, data)
	}
	if err != nil {
		return errors.ConnectionError("failed to send mail", err)
	}

	s.logger.Info("Sent notification",
		logging.Any("to", msg.To),
		logging.String("subject", msg.Subject),
	)
	return nil
}

func (s *SMTPSender) sendImplicitTLS(ctx context.Context, addr string, auth smtp.Auth, to []string, data []byte) error {
	dialer := &tls.Dialer{Config: &tls.Config{
		ServerName:         s.settings.Host,
		InsecureSkipVerify: s.settings.SkipVerify,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.settings.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(s.settings.From); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// LogSender logs messages instead of sending them; used when SMTP is disabled
type LogSender struct {
	logger logging.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogSender{logger: logger.WithFields(logging.String("component", "notify"))}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Warn("SMTP is not enabled, skipping notification",
		logging.Any("to", msg.To),
		logging.String("subject", msg.Subject),
	)
	return nil
}

// NewSender selects the SMTP sender when mail is enabled
func NewSender(cfg *config.Config, logger logging.Logger) Sender {
	if !cfg.SMTPEnabled {
		return NewLogSender(logger)
	}
	return NewSMTPSender(SettingsFromConfig(cfg), logger)
}
