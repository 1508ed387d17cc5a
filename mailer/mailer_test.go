package mailer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func TestNewSMTPGuessesSSLForPort465(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 465, From: "noreply@example.com"})

	sm, ok := m.(*smtpMailer)
	require.True(t, ok)
	require.Equal(t, &gomail.Dialer{Host: "smtp.example.com", Port: 465, SSL: true}, sm.dialer)
}

func TestNewSMTPPlainNoSSLForOtherPorts(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"})

	sm, ok := m.(*smtpMailer)
	require.True(t, ok)
	require.Equal(t, &gomail.Dialer{Host: "smtp.example.com", Port: 587, SSL: false}, sm.dialer)
}

func TestNewSMTPUsesPlainDialerWhenCredentialsSet(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "foo", Password: "bar"})

	sm, ok := m.(*smtpMailer)
	require.True(t, ok)
	require.Equal(t, gomail.NewPlainDialer("smtp.example.com", 587, "foo", "bar"), sm.dialer)
}

func TestNewSMTPUsesConfiguredFromWhenCallerOmitsIt(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 25, From: "noreply@example.com"})

	sm, ok := m.(*smtpMailer)
	require.True(t, ok)
	require.Equal(t, "noreply@example.com", sm.cfg.From)
}

func TestMailgunMailerSatisfiesMailer(t *testing.T) {
	var _ Mailer = New(MailgunConfig{Domain: "example.com", PrivateAPIKey: "key-test"})
}

func TestSMTPMailerSatisfiesMailer(t *testing.T) {
	var _ Mailer = NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 25})
}
