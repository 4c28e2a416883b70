package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/cardlink/backend/internal/config"
)

// Mailer delivers transactional mail. Delivery failures are the caller's to
// log; they must never fail the operation that triggered the mail.
type Mailer interface {
	Send(to, subject, htmlBody string) error
}

// SMTPMailer sends mail through a plain-auth SMTP relay.
type SMTPMailer struct {
	cfg config.MailConfig
}

// NewSMTPMailer constructs a mailer for the configured relay.
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers a single HTML message.
func (m *SMTPMailer) Send(to, subject, htmlBody string) error {
	if strings.TrimSpace(m.cfg.Host) == "" {
		return fmt.Errorf("smtp mailer: host not configured")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}

	return nil
}

// NoopMailer discards mail. Used when no relay is configured and in tests.
type NoopMailer struct{}

// Send drops the message.
func (NoopMailer) Send(string, string, string) error { return nil }

var _ Mailer = (*SMTPMailer)(nil)
var _ Mailer = NoopMailer{}
