package mailer

import mailgun "github.com/mailgun/mailgun-go"

// MailgunConfig configures the Mailgun-backed Mailer.
type MailgunConfig struct {
	Domain        string
	PrivateAPIKey string
	PublicAPIKey  string
}

type mailgunMailer struct {
	mg mailgun.Mailgun
}

// New returns a Mailer backed by the Mailgun HTTP API.
func New(cfg MailgunConfig) Mailer {
	return &mailgunMailer{mg: mailgun.NewMailgun(cfg.Domain, cfg.PrivateAPIKey, cfg.PublicAPIKey)}
}

func (m *mailgunMailer) Send(from, subject, text, html string, to ...string) error {
	msg := m.mg.NewMessage(from, subject, text, to...)
	if html != "" {
		msg.SetHTML(html)
	}
	_, _, err := m.mg.Send(msg)
	return err
}
