// Package mailer implements email delivery for providers that need to send
// a code or link (email code, magic link, password register), adapted from
// dexidp/dex's email.Emailer interface and its mailgun/SMTP backends.
package mailer

// Mailer sends a single email. At least one of text or html must be
// non-empty.
type Mailer interface {
	Send(from, subject, text, html string, to ...string) error
}
