package mailer

import "gopkg.in/gomail.v2"

// SMTPConfig configures the gomail-backed Mailer. Grounded on dexidp/dex's
// email.SmtpEmailerConfig/smtpEmailer: a plain dialer when no credentials
// are set, guessing SSL the same way gomail itself does for port 465, or a
// NewPlainDialer when a username/password pair is configured.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type smtpMailer struct {
	dialer *gomail.Dialer
	cfg    SMTPConfig
}

// NewSMTP returns a Mailer that delivers over SMTP via gomail.v2.
func NewSMTP(cfg SMTPConfig) Mailer {
	var dialer *gomail.Dialer
	if cfg.Username == "" {
		dialer = &gomail.Dialer{Host: cfg.Host, Port: cfg.Port, SSL: cfg.Port == 465}
	} else {
		dialer = gomail.NewPlainDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return &smtpMailer{dialer: dialer, cfg: cfg}
}

func (m *smtpMailer) Send(from, subject, text, html string, to ...string) error {
	if from == "" {
		from = m.cfg.From
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	if text != "" {
		msg.SetBody("text/plain", text)
	}
	if html != "" {
		msg.SetBody("text/html", html)
	}

	return m.dialer.DialAndSend(msg)
}
