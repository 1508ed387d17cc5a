package main

import (
	"fmt"

	"github.com/dexidp/openauth/mailer"
)

// MailerConfig selects and configures the Mailer providers that send a
// code or link (email code, magic link, password register) use, per spec
// §4.5. Empty Type is valid only when no such provider is configured.
type MailerConfig struct {
	Type string `json:"type"` // "mailgun" or "smtp"

	Mailgun struct {
		Domain        string `json:"domain"`
		PrivateAPIKey string `json:"privateAPIKey"`
		PublicAPIKey  string `json:"publicAPIKey"`
	} `json:"mailgun"`

	SMTP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		From     string `json:"from"`
	} `json:"smtp"`
}

func (c MailerConfig) Open() (mailer.Mailer, error) {
	switch c.Type {
	case "mailgun":
		return mailer.New(mailer.MailgunConfig{
			Domain:        c.Mailgun.Domain,
			PrivateAPIKey: c.Mailgun.PrivateAPIKey,
			PublicAPIKey:  c.Mailgun.PublicAPIKey,
		}), nil
	case "smtp":
		return mailer.NewSMTP(mailer.SMTPConfig{
			Host:     c.SMTP.Host,
			Port:     c.SMTP.Port,
			Username: c.SMTP.Username,
			Password: c.SMTP.Password,
			From:     c.SMTP.From,
		}), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid config: unknown mailer type %q", c.Type)
	}
}
