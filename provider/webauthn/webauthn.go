// Package webauthn implements the WebAuthn (passkey) provider: challenge
// issuance and signed-assertion verification against a caller-supplied
// public key, per spec §4.5.
package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dexidp/openauth/provider"
)

const slotChallenge = "challenge"
const challengeTTLSeconds = 5 * 60

// challengeDigits matches the spec's "32-digit random challenge per
// attempt" — a decimal string rather than raw base64url bytes, generated
// with the same unbiased rejection sampling the email-code provider uses.
const challengeDigits = 32

// flagUserPresent and flagUserVerified are the authenticatorData flag bits
// defined by the WebAuthn spec §6.1.
const (
	flagUserPresent  = 1 << 0
	flagUserVerified = 1 << 2
)

// PublicKeyLookup resolves a credential ID to the caller-registered public
// key and rpIdHash it was bound under.
type PublicKeyLookup func(ctx context.Context, credentialID string) (pub *ecdsa.PublicKey, rpIDHash [32]byte, err error)

// Subject builds the claims returned for a verified credential ID.
type SubjectFunc func(credentialID string) json.RawMessage

// Provider is the WebAuthn identity provider.
type Provider struct {
	name            string
	Lookup          PublicKeyLookup
	Subject         SubjectFunc
	Origin          string
	RenderChallenge func(requestID, challenge string) []byte
}

// New constructs a WebAuthn Provider named name.
func New(name string, lookup PublicKeyLookup, subject SubjectFunc, origin string) *Provider {
	return &Provider{name: name, Lookup: lookup, Subject: subject, Origin: origin}
}

func (p *Provider) Type() string { return p.name }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/challenge", p.handleChallenge(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/verify", p.handleVerify(ctx)).Methods(http.MethodPost)
}

func (p *Provider) handleChallenge(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		challenge, err := randomChallenge()
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := provider.Set(r.Context(), ctx, requestID, slotChallenge, challengeTTLSeconds, challenge); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ctx.Forward(w, r, p.RenderChallenge(requestID, challenge), "text/html; charset=utf-8")
	}
}

// assertionRequest is the wire shape of navigator.credentials.get()'s
// result, re-encoded as a JSON request body by the caller's client-side
// script.
type assertionRequest struct {
	CredentialID      string `json:"credentialId"`
	ClientDataJSON    string `json:"clientDataJSON"`    // base64url
	AuthenticatorData string `json:"authenticatorData"` // base64url
	Signature         string `json:"signature"`         // base64url
}

type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

func (p *Provider) handleVerify(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")

		var req assertionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}

		expectedChallenge, err := provider.Get[string](r.Context(), ctx, requestID, slotChallenge)
		if err != nil {
			http.Error(w, "unknown_state", http.StatusBadRequest)
			return
		}

		if err := p.verify(r.Context(), req, expectedChallenge); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		_ = ctx.Unset(r.Context(), requestID, slotChallenge)
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: p.Subject(req.CredentialID)}})
	}
}

type claimsValue struct {
	Claims json.RawMessage `json:"claims"`
}

func (p *Provider) verify(ctx context.Context, req assertionRequest, expectedChallenge string) error {
	clientDataJSON, err := base64.RawURLEncoding.DecodeString(req.ClientDataJSON)
	if err != nil {
		return fmt.Errorf("webauthn: malformed clientDataJSON")
	}
	var cd clientData
	if err := json.Unmarshal(clientDataJSON, &cd); err != nil {
		return fmt.Errorf("webauthn: malformed clientDataJSON")
	}
	if cd.Type != "webauthn.get" {
		return fmt.Errorf("webauthn: unexpected ceremony type %q", cd.Type)
	}
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(expectedChallenge)) != 1 {
		return fmt.Errorf("webauthn: challenge mismatch")
	}
	if cd.Origin != p.Origin {
		return fmt.Errorf("webauthn: origin mismatch")
	}

	authData, err := base64.RawURLEncoding.DecodeString(req.AuthenticatorData)
	if err != nil {
		return fmt.Errorf("webauthn: malformed authenticatorData")
	}
	if len(authData) < 37 {
		return fmt.Errorf("webauthn: authenticatorData too short")
	}
	var rpIDHash [32]byte
	copy(rpIDHash[:], authData[:32])
	flags := authData[32]

	pub, wantRPIDHash, err := p.Lookup(ctx, req.CredentialID)
	if err != nil {
		return fmt.Errorf("webauthn: unknown credential")
	}
	if rpIDHash != wantRPIDHash {
		return fmt.Errorf("webauthn: rpIdHash mismatch")
	}
	if flags&flagUserPresent == 0 {
		return fmt.Errorf("webauthn: user not present")
	}
	if flags&flagUserVerified == 0 {
		return fmt.Errorf("webauthn: user not verified")
	}

	sig, err := base64.RawURLEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("webauthn: malformed signature")
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signedData := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedData)

	r, s, err := parseECDSADER(sig)
	if err != nil {
		return fmt.Errorf("webauthn: malformed signature: %w", err)
	}
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return fmt.Errorf("webauthn: signature verification failed")
	}
	return nil
}
