// Package emailcode implements the email-code provider: a two-step HTML
// form that emails an unbiased N-digit code and verifies it in constant
// time, per spec §4.5.
package emailcode

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dexidp/openauth/mailer"
	"github.com/dexidp/openauth/provider"
)

const slotPending = "pending"

const defaultDigits = 6
const defaultTTLSeconds = 10 * 60

// Claims is whatever the caller wants bound to a login attempt (e.g. the
// email address being verified); it round-trips opaquely through the
// conversation.
type Claims = json.RawMessage

type pending struct {
	Code   string `json:"code"`
	Claims Claims `json:"claims"`
}

// Provider is the email-code identity provider.
type Provider struct {
	name    string
	mail    mailer.Mailer
	from    string
	digits  int
	ttlSecs int

	// Render produces the HTML form body for a request, given requestID and
	// whether a code has already been sent (so the same handler can render
	// both the "enter your email" and "enter your code" steps).
	Render func(requestID string, codeSent bool) []byte

	// Request extracts the recipient address and claims from the initial
	// form submission.
	Request func(r *http.Request) (email string, claims Claims, err error)

	// Subject builds the claims bound in Claims from the original request,
	// e.g. {"email": email}.
	Subject func(email string) Claims
}

// New constructs an email-code Provider named name, sending through mail
// from address from.
func New(name string, mail mailer.Mailer, from string) *Provider {
	return &Provider{name: name, mail: mail, from: from, digits: defaultDigits, ttlSecs: defaultTTLSeconds}
}

func (p *Provider) Type() string { return p.name }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/start", p.handleStart(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/verify", p.handleVerify(ctx)).Methods(http.MethodPost)
}

func (p *Provider) handleStart(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		email, claims, err := p.Request(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if claims == nil {
			claims = p.Subject(email)
		}
		code, err := provider.RandomDigits(p.digits)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := provider.Set(r.Context(), ctx, requestID, slotPending, p.ttlSecs, pending{Code: code, Claims: claims}); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		subject := fmt.Sprintf("Your %s login code", p.name)
		body := fmt.Sprintf("Your login code is %s. It expires in %d minutes.", code, p.ttlSecs/60)
		if err := p.mail.Send(p.from, subject, body, "", email); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ctx.Forward(w, r, p.Render(requestID, true), "text/html; charset=utf-8")
	}
}

func (p *Provider) handleVerify(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		submitted := r.PostForm.Get("code")

		pend, err := provider.Get[pending](r.Context(), ctx, requestID, slotPending)
		if err != nil {
			http.Error(w, "unknown_state", http.StatusBadRequest)
			return
		}
		if subtle.ConstantTimeCompare([]byte(pend.Code), []byte(submitted)) != 1 {
			ctx.Forward(w, r, p.Render(requestID, true), "text/html; charset=utf-8")
			return
		}
		_ = ctx.Unset(r.Context(), requestID, slotPending)
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: pend.Claims}})
	}
}

type claimsValue struct {
	Claims Claims `json:"claims"`
}
