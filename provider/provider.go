// Package provider defines the Provider Protocol: the contract each
// identity provider (OAuth2, OIDC, email code, magic link, password,
// WebAuthn, SIWE, SAML) implements, and the registry that mounts their HTTP
// sub-routes, per spec §4.5. Grounded on dexidp/dex's connector.Connector
// interface, generalized from a fixed federated-login shape to a protocol
// that also covers local-credential and multi-step conversations.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dexidp/openauth/kv"
)

// Result is what a provider hands back to the issuer on a successful
// conversation. The issuer never parses it; the user-supplied Success
// callback discriminates on its own knowledge of which provider produced
// it (conventionally a "provider" field in Value).
type Result struct {
	Provider string
	Value    any
}

// Provider is a pluggable identity strategy. Type names the provider
// instance for mounting (e.g. "google", "email", "passkey"); Init registers
// the provider's HTTP handlers on routes, using ctx to drive conversations.
type Provider interface {
	Type() string
	Init(routes *mux.Router, ctx *Context)
}

// ClientCredentialProvider is the optional interface a provider implements
// to participate in the client_credentials grant, per spec §4.4's /token
// handling: the issuer dispatches {clientID, clientSecret, params} to the
// named provider and treats whatever it returns as a provider Result, run
// through the same Success callback as any other conversation.
type ClientCredentialProvider interface {
	Provider
	Client(ctx context.Context, clientID, clientSecret string, params map[string]string) (Result, error)
}

// conversationFamily scopes a provider's scratch storage under the
// server-generated request ID the openauth_state cookie binds to.
func conversationFamily(requestID string) kv.Key {
	return kv.Key{"oauth", "provider", requestID}
}

// Context is what the issuer hands each provider to drive its
// conversation and terminate it, per spec §4.5.
type Context struct {
	store    kv.Store
	invalidate func(ctx context.Context, subjectID string) error
	onSuccess  func(w http.ResponseWriter, r *http.Request, requestID string, result Result)
	onForward  func(w http.ResponseWriter, r *http.Request, body []byte, contentType string)
}

// NewContext constructs a Context. onSuccess and onForward are supplied by
// the issuer state machine, which owns request-ID/cookie plumbing and the
// code/token minting that follows a successful conversation.
func NewContext(
	store kv.Store,
	invalidate func(ctx context.Context, subjectID string) error,
	onSuccess func(w http.ResponseWriter, r *http.Request, requestID string, result Result),
	onForward func(w http.ResponseWriter, r *http.Request, body []byte, contentType string),
) *Context {
	return &Context{store: store, invalidate: invalidate, onSuccess: onSuccess, onForward: onForward}
}

// Storage exposes the raw adapter for provider-owned data — e.g. password
// hashes keyed by email, outside the per-conversation scratch keyspace.
func (c *Context) Storage() kv.Store { return c.store }

// Set stores value in slot of the conversation identified by requestID,
// expiring after ttlSeconds (0 means the entry does not expire).
func Set[T any](ctx context.Context, c *Context, requestID, slot string, ttlSeconds int, value T) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("provider: marshal %s: %w", slot, err)
	}
	key := append(conversationFamily(requestID), slot)
	return c.store.Set(ctx, key, b, time.Duration(ttlSeconds)*time.Second)
}

// Get loads and decodes slot from the conversation identified by requestID.
func Get[T any](ctx context.Context, c *Context, requestID, slot string) (T, error) {
	var zero T
	key := append(conversationFamily(requestID), slot)
	b, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, fmt.Errorf("provider: unmarshal %s: %w", slot, err)
	}
	return v, nil
}

// Unset removes slot from the conversation identified by requestID.
func (c *Context) Unset(ctx context.Context, requestID, slot string) error {
	return c.store.Remove(ctx, append(conversationFamily(requestID), slot))
}

// Forward returns body to the browser without interrupting the
// conversation — e.g. rendering the next step of a multi-page form.
func (c *Context) Forward(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
	c.onForward(w, r, body, contentType)
}

// Success terminates the conversation for requestID successfully. The
// issuer runs its Success callback against result, mints a code or token
// response, and writes the redirect.
func (c *Context) Success(w http.ResponseWriter, r *http.Request, requestID string, result Result) {
	c.onSuccess(w, r, requestID, result)
}

// Invalidate drops every outstanding refresh token for subjectID, per
// spec §4.5 — used by providers that detect a credential compromise (e.g.
// password change) and need to end all of a subject's other sessions.
func (c *Context) Invalidate(ctx context.Context, subjectID string) error {
	return c.invalidate(ctx, subjectID)
}

