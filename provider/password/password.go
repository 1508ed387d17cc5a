package password

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/mailer"
	"github.com/dexidp/openauth/provider"
)

// record is what's stored at ["email", <email>, "password"]: the hash and
// whatever claims the subject carries (so login doesn't need a second
// lookup to build its Result).
type record struct {
	Hash   string          `json:"hash"`
	Claims json.RawMessage `json:"claims"`
}

func credentialKey(email string) kv.Key {
	return kv.Key{"email", email, "password"}
}

// Provider is the password identity provider, driving login, register, and
// change conversations over a pluggable Hasher.
type Provider struct {
	name   string
	hasher Hasher
	mail   mailer.Mailer
	from   string

	// Subject builds the claims stored and returned for email, e.g.
	// {"email": email}.
	Subject func(email string) json.RawMessage

	// RenderRegisterSent produces the "check your email" confirmation page
	// after Register persists a pending hash and emails a code, by the
	// same unbiased-digit mechanism as the email-code provider.
	RenderRegisterSent func(requestID string) []byte
}

// New constructs a password Provider named name, using hasher to hash and
// verify passwords (NewScryptHasher() if the caller has no preference).
func New(name string, hasher Hasher, mail mailer.Mailer, from string) *Provider {
	return &Provider{name: name, hasher: hasher, mail: mail, from: from}
}

func (p *Provider) Type() string { return p.name }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/login", p.handleLogin(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/register", p.handleRegister(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/register/verify", p.handleRegisterVerify(ctx)).Methods(http.MethodPost)
	routes.HandleFunc("/change", p.handleChange(ctx)).Methods(http.MethodPost)
}

func (p *Provider) handleLogin(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		email := r.PostForm.Get("email")
		passwd := r.PostForm.Get("password")

		b, err := ctx.Storage().Get(r.Context(), credentialKey(email))
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		var rec record
		if err := json.Unmarshal(b, &rec); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ok, err := p.hasher.Verify(passwd, rec.Hash)
		if err != nil || !ok {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: rec.Claims}})
	}
}

const slotRegisterPending = "register_pending"
const registerTTLSeconds = 10 * 60

type registerPending struct {
	Email string `json:"email"`
	Hash  string `json:"hash"`
	Code  string `json:"code"`
}

func (p *Provider) handleRegister(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		email := r.PostForm.Get("email")
		passwd := r.PostForm.Get("password")

		hash, err := p.hasher.Hash(passwd)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		code, err := provider.RandomDigits(6)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := provider.Set(r.Context(), ctx, requestID, slotRegisterPending, registerTTLSeconds,
			registerPending{Email: email, Hash: hash, Code: code}); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		body := fmt.Sprintf("Your registration code is %s.", code)
		if err := p.mail.Send(p.from, "Confirm your registration", body, "", email); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ctx.Forward(w, r, p.RenderRegisterSent(requestID), "text/html; charset=utf-8")
	}
}

func (p *Provider) handleRegisterVerify(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		submitted := r.PostForm.Get("code")

		pend, err := provider.Get[registerPending](r.Context(), ctx, requestID, slotRegisterPending)
		if err != nil {
			http.Error(w, "unknown_state", http.StatusBadRequest)
			return
		}
		if subtle.ConstantTimeCompare([]byte(pend.Code), []byte(submitted)) != 1 {
			http.Error(w, "invalid code", http.StatusBadRequest)
			return
		}
		claims := p.Subject(pend.Email)
		rec := record{Hash: pend.Hash, Claims: claims}
		b, err := json.Marshal(rec)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := ctx.Storage().Set(r.Context(), credentialKey(pend.Email), b, 0); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		_ = ctx.Unset(r.Context(), requestID, slotRegisterPending)
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: claims}})
	}
}

// handleChange implements Open Question (b): a password change is gated
// strictly on verifying the caller's current password first — there is no
// path that re-hashes a credential without a successful prior Verify.
func (p *Provider) handleChange(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		email := r.PostForm.Get("email")
		current := r.PostForm.Get("current_password")
		next := r.PostForm.Get("new_password")

		b, err := ctx.Storage().Get(r.Context(), credentialKey(email))
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		var rec record
		if err := json.Unmarshal(b, &rec); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		ok, err := p.hasher.Verify(current, rec.Hash)
		if err != nil || !ok {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		newHash, err := p.hasher.Hash(next)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		rec.Hash = newHash
		updated, err := json.Marshal(rec)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := ctx.Storage().Set(r.Context(), credentialKey(email), updated, 0); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := ctx.Invalidate(r.Context(), email); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type claimsValue struct {
	Claims json.RawMessage `json:"claims"`
}
