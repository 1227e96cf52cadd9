// Package notify sends transactional email for the scheduled jobs.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// Mailer is the interface jobs use to reach a user.  Sends are fire and
// forget: callers log a returned error and move on, nothing is queued or
// retried here.
type Mailer interface {
	Send(to, subject, html string) error
}

// SmtpMailer delivers through an authenticated SMTP account.
type SmtpMailer struct {
	client *mail.Client
	from   string
}

func NewSmtpMailer(host string, port int, username, password, from string) (*SmtpMailer, error) {
	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
	)
	if err != nil {
		return nil, err
	}
	return &SmtpMailer{
		client: client,
		from:   from,
	}, nil
}

func (s *SmtpMailer) Send(to, subject, html string) error {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return err
	}
	if err := m.To(to); err != nil {
		return err
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextHTML, html)
	return s.client.DialAndSend(m)
}

// LogMailer is used when no SMTP account is configured.  Notices end up in
// the log instead of a mailbox, which is what you want on a dev box.
type LogMailer struct{}

func (LogMailer) Send(to, subject, html string) error {
	slog.Info(fmt.Sprintf("mail (dry run) to %s: %s", to, subject))
	return nil
}
