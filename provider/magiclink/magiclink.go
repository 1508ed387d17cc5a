// Package magiclink implements the magic-link provider: an emailed URL
// whose GET callback verifies a token and terminates the conversation, per
// spec §4.5.
package magiclink

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
const defaultTokenBytes = 32
const defaultTTLSeconds = 15 * 60

// Claims round-trips opaquely through the conversation.
type Claims = json.RawMessage

type pending struct {
	Token  string `json:"token"`
	Claims Claims `json:"claims"`
}

// Provider is the magic-link identity provider.
type Provider struct {
	name      string
	mail      mailer.Mailer
	from      string
	ttlSecs   int
	publicURL string

	// Request extracts the recipient address and claims from the initial
	// form submission.
	Request func(r *http.Request) (email string, claims Claims, err error)

	// Subject builds the claims bound in the link from the original
	// request, e.g. {"email": email}.
	Subject func(email string) Claims

	// RenderSent produces the "check your email" page body.
	RenderSent func(requestID string) []byte
}

// New constructs a magic-link Provider named name. publicURL is the
// externally reachable base URL the emailed link points back at (the
// issuer's own /<name>/verify sub-route).
func New(name string, mail mailer.Mailer, from, publicURL string) *Provider {
	return &Provider{name: name, mail: mail, from: from, ttlSecs: defaultTTLSeconds, publicURL: publicURL}
}

func (p *Provider) Type() string { return p.name }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/start", p.handleStart(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/verify", p.handleVerify(ctx)).Methods(http.MethodGet)
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
		token, err := randomToken()
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := provider.Set(r.Context(), ctx, requestID, slotPending, p.ttlSecs, pending{Token: token, Claims: claims}); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		link := fmt.Sprintf("%s?request_id=%s&token=%s", p.publicURL, requestID, token)
		subject := fmt.Sprintf("Your %s login link", p.name)
		body := fmt.Sprintf("Sign in by visiting: %s\nIt expires in %d minutes.", link, p.ttlSecs/60)
		if err := p.mail.Send(p.from, subject, body, "", email); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ctx.Forward(w, r, p.RenderSent(requestID), "text/html; charset=utf-8")
	}
}

func (p *Provider) handleVerify(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		submitted := r.URL.Query().Get("token")

		pend, err := provider.Get[pending](r.Context(), ctx, requestID, slotPending)
		if err != nil {
			http.Error(w, "unknown_state", http.StatusBadRequest)
			return
		}
		if subtle.ConstantTimeCompare([]byte(pend.Token), []byte(submitted)) != 1 {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		_ = ctx.Unset(r.Context(), requestID, slotPending)
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: pend.Claims}})
	}
}

type claimsValue struct {
	Claims Claims `json:"claims"`
}

func randomToken() (string, error) {
	return randomURLSafe(defaultTokenBytes)
}
