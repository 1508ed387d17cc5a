// Package siwe implements Sign-In-With-Ethereum: a nonce challenge and
// verification of the returned EIP-4361 message and signature, per spec
// §4.5. Uses github.com/spruceid/siwe-go for message parsing/verification.
package siwe

import (
	"encoding/json"
	"fmt"
	"net/http"

	siwego "github.com/spruceid/siwe-go"
	"github.com/gorilla/mux"

	"github.com/dexidp/openauth/provider"
)

const slotNonce = "nonce"
const nonceTTLSeconds = 5 * 60

// Subject builds the claims returned for a verified Ethereum address.
type SubjectFunc func(address string) json.RawMessage

// Provider is the Sign-In-With-Ethereum identity provider.
type Provider struct {
	name    string
	Domain  string
	Subject SubjectFunc

	// RenderChallenge produces the page body offering the nonce to sign.
	RenderChallenge func(requestID, nonce string) []byte
}

// New constructs a SIWE Provider named name, binding verification to
// domain (the relying party's domain, per EIP-4361).
func New(name, domain string, subject SubjectFunc) *Provider {
	return &Provider{name: name, Domain: domain, Subject: subject}
}

func (p *Provider) Type() string { return p.name }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/nonce", p.handleNonce(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/verify", p.handleVerify(ctx)).Methods(http.MethodPost)
}

func (p *Provider) handleNonce(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		nonce := siwego.GenerateNonce()
		if err := provider.Set(r.Context(), ctx, requestID, slotNonce, nonceTTLSeconds, nonce); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ctx.Forward(w, r, p.RenderChallenge(requestID, nonce), "text/html; charset=utf-8")
	}
}

func (p *Provider) handleVerify(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		rawMessage := r.PostForm.Get("message")
		signature := r.PostForm.Get("signature")

		expectedNonce, err := provider.Get[string](r.Context(), ctx, requestID, slotNonce)
		if err != nil {
			http.Error(w, "unknown_state", http.StatusBadRequest)
			return
		}

		message, err := siwego.ParseMessage(rawMessage)
		if err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		if message.GetDomain() != p.Domain {
			http.Error(w, "domain mismatch", http.StatusUnauthorized)
			return
		}
		if message.GetNonce() != expectedNonce {
			http.Error(w, "nonce mismatch", http.StatusUnauthorized)
			return
		}
		if ok, err := message.ValidNow(); err != nil || !ok {
			http.Error(w, "message expired or not yet valid", http.StatusUnauthorized)
			return
		}
		if _, err := message.Verify(signature, &p.Domain, &expectedNonce, nil); err != nil {
			http.Error(w, fmt.Sprintf("signature verification failed: %v", err), http.StatusUnauthorized)
			return
		}

		address := message.GetAddress().Hex()
		_ = ctx.Unset(r.Context(), requestID, slotNonce)
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: p.Subject(address)}})
	}
}

type claimsValue struct {
	Claims json.RawMessage `json:"claims"`
}
