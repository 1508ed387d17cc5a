// Package issuer implements the Issuer State Machine: the HTTP surface
// that ties the Key Manager, Token Service, Subject Registry, and every
// mounted Provider together into a working OAuth 2.1 / OIDC-flavored
// identity issuer, per spec §4.4. Grounded on dexidp/dex's server.Server —
// same mux.NewRouter().SkipClean(true).UseEncodedPath() route table and
// discovery/authorize/callback/approval handler split across files — but
// generalized from dex's fixed connector roster to the Provider Protocol's
// pluggable Type()/Init() contract.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dexidp/openauth/keys"
	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/provider"
	"github.com/dexidp/openauth/subject"
	"github.com/dexidp/openauth/token"
)

// Client is a registered relying party, per spec §4.4's /token and
// /authorize validation requirements.
type Client struct {
	ID     string
	Secret string // checked at /token unless Public is true
	Public bool

	RedirectURIs []string
	// Scopes is the client's authorized scope set, narrowed against a
	// request's requested scope by scopes.Validate. nil means unrestricted.
	Scopes []string
}

func (c Client) redirectAllowed(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// SuccessFunc maps a provider's conversation result to the authenticated
// subject, per spec §4.4 step 1 of the provider sub-route contract. The
// issuer never inspects result.Value itself; SuccessFunc owns that,
// conventionally discriminating on result.Provider.
type SuccessFunc func(ctx context.Context, result provider.Result) (subject.Subject, error)

// RedirectProvider is the optional interface a provider implements when it
// has a single canonical browser-entry path (oauth2, oidc, saml): /authorize
// sends the browser straight there instead of rendering the generic
// mount-point landing page. Modeled on dexidp/dex's CallbackConnector,
// generalized from a fixed method name to an interface any provider can
// opt into.
type RedirectProvider interface {
	provider.Provider
	EntryPath() string
}

// EntryPageFunc renders the landing HTML for a provider conversation when
// the provider has no canonical redirect endpoint (password, email code,
// magic link, WebAuthn, SIWE): the relying party's own form or script
// drives those sub-routes directly, using requestID as the correlation
// value it must carry on every call.
type EntryPageFunc func(providerName, requestID string) []byte

// SelectionPageFunc renders the provider-picker page shown when /authorize
// is called without a provider parameter and more than one is configured.
type SelectionPageFunc func(providers []string, requestID string) []byte

// Config carries the issuer-wide settings spec §4.4 and §6 name.
type Config struct {
	// Issuer is this issuer's external base URL, e.g.
	// "https://auth.example.com", used both as the "iss" token claim (via
	// token.Config, configured separately) and to build absolute discovery
	// URLs.
	Issuer string

	// BasePath mounts every route under a prefix, for issuers reverse
	// proxied behind a shared path, per spec §4.4 and scenario 5: internal
	// routing honors it, discovery metadata advertises it, but redirects
	// to client-supplied redirect_uri values never carry it (they're
	// already absolute URLs outside this issuer's path space).
	BasePath string

	// CookieName is the short-lived cookie binding a browser to its
	// /authorize conversation's request ID, per spec §4.4.
	CookieName string
	// CookieSecure marks the state cookie Secure; false only for local
	// plaintext-HTTP development.
	CookieSecure bool
	// RequestTTL bounds how long an /authorize conversation (and its
	// state cookie) survives before the request ID it names expires.
	RequestTTL time.Duration

	EntryPage     EntryPageFunc
	SelectionPage SelectionPageFunc
}

func (c Config) withDefaults() Config {
	if c.CookieName == "" {
		c.CookieName = "openauth_state"
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 10 * time.Minute
	}
	if c.EntryPage == nil {
		c.EntryPage = defaultEntryPage
	}
	if c.SelectionPage == nil {
		c.SelectionPage = defaultSelectionPage
	}
	return c
}

// Issuer is the assembled state machine: the HTTP entry point wiring
// storage, keys, tokens, subjects, and providers together.
type Issuer struct {
	cfg     Config
	store   kv.Store
	keys    *keys.Manager
	tokens  *token.Service
	clients map[string]Client
	success SuccessFunc
	log     *slog.Logger

	providers   map[string]provider.Provider
	providerCtx *provider.Context
}

// New constructs an Issuer. clients and providers are both keyed by their
// registered ID/Type name; success maps every provider's Result to a
// subject, regardless of which provider produced it.
func New(
	cfg Config,
	store kv.Store,
	km *keys.Manager,
	tokens *token.Service,
	clients map[string]Client,
	providers map[string]provider.Provider,
	success SuccessFunc,
	log *slog.Logger,
) *Issuer {
	iss := &Issuer{
		cfg:       cfg.withDefaults(),
		store:     store,
		keys:      km,
		tokens:    tokens,
		clients:   clients,
		providers: providers,
		success:   success,
		log:       log,
	}
	iss.providerCtx = provider.NewContext(store, tokens.Invalidate, iss.onProviderSuccess, iss.onProviderForward)
	return iss
}

// path prepends BasePath to an issuer-internal route, per spec §4.4's
// basePath requirement.
func (iss *Issuer) path(p string) string {
	return strings.TrimRight(iss.cfg.BasePath, "/") + p
}

// absoluteURL builds an externally-visible URL for an issuer-internal
// route: Issuer + basePath-prefixed path. Used in discovery metadata and
// anywhere a provider's upstream needs a callback URL.
func (iss *Issuer) absoluteURL(p string) string {
	return strings.TrimRight(iss.cfg.Issuer, "/") + iss.path(p)
}

// Router assembles the full mux.Router: discovery, authorize, token,
// userinfo, JWKS, and every provider's sub-routes, mounted exactly the way
// server/server.go mounts dex's connector routes — SkipClean so percent-
// encoded path segments survive into provider handlers unmolested (SAML
// RelayStates and OIDC state params can contain characters mux would
// otherwise normalize away), UseEncodedPath so those same handlers see the
// raw, not re-decoded, path.
func (iss *Issuer) Router() *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()

	r.HandleFunc(iss.path("/.well-known/oauth-authorization-server"), iss.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc(iss.path("/.well-known/openid-configuration"), iss.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc(iss.path("/.well-known/jwks.json"), iss.handleJWKS).Methods(http.MethodGet)
	r.HandleFunc(iss.path("/authorize"), iss.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc(iss.path("/token"), iss.handleToken).Methods(http.MethodPost)
	r.HandleFunc(iss.path("/userinfo"), iss.handleUserinfo).Methods(http.MethodGet)

	for name, p := range iss.providers {
		sub := r.PathPrefix(iss.path("/" + name)).Subrouter()
		p.Init(sub, iss.providerCtx)
	}

	return r
}

// errorCode is an RFC 6749 §5.2 / §4.1.2.1 error identifier, per spec §7's
// taxonomy.
type errorCode string

const (
	errInvalidRequest       errorCode = "invalid_request"
	errInvalidGrant         errorCode = "invalid_grant"
	errUnauthorizedClient   errorCode = "unauthorized_client"
	errAccessDenied         errorCode = "access_denied"
	errUnsupportedGrantType errorCode = "unsupported_grant_type"
	errServerError          errorCode = "server_error"
	errTemporarilyUnavail   errorCode = "temporarily_unavailable"
)

func defaultEntryPage(providerName, requestID string) []byte {
	return []byte(fmt.Sprintf(
		`<!doctype html><html><body><p>Continue signing in with %s.</p>`+
			`<input type="hidden" name="request_id" value="%s"></body></html>`,
		providerName, requestID))
}

func defaultSelectionPage(providers []string, requestID string) []byte {
	var b strings.Builder
	b.WriteString("<!doctype html><html><body><ul>")
	for _, name := range providers {
		fmt.Fprintf(&b, `<li><a href="%s/?request_id=%s">%s</a></li>`, name, requestID, name)
	}
	b.WriteString("</ul></body></html>")
	return []byte(b.String())
}
