// Package oauth2 implements the generic OAuth2 provider: code-grant
// delegation to an upstream authorization server, with an optional
// form_post response-mode callback, per spec §4.5. Grounded on
// dexidp/dex's connector/oauth package, re-expressed over
// golang.org/x/oauth2 instead of a hand-rolled token exchange.
package oauth2

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	xoauth2 "golang.org/x/oauth2"

	"github.com/dexidp/openauth/provider"
)

const slotState = "state"
const stateTTLSeconds = 10 * 60

// Config configures the upstream OAuth2 authorization server.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// FormPost, if true, mounts the callback to accept POST /callback with
	// code/state in form fields (form_post response mode) in addition to
	// the standard GET query parameters.
	FormPost bool
}

// TokenSet is what's delivered to the issuer's success callback: the
// upstream token response plus the client ID it was issued under.
type TokenSet struct {
	ClientID    string         `json:"clientID"`
	AccessToken string         `json:"accessToken"`
	TokenType   string         `json:"tokenType"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Provider is the generic OAuth2 identity provider.
type Provider struct {
	name string
	cfg  Config
	oc   *xoauth2.Config
}

// New constructs a generic OAuth2 Provider named name.
func New(name string, cfg Config) *Provider {
	return &Provider{
		name: name,
		cfg:  cfg,
		oc: &xoauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     xoauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		},
	}
}

func (p *Provider) Type() string { return p.name }

// EntryPath is the sub-route the issuer redirects a browser to when this
// provider is chosen at /authorize, satisfying issuer.RedirectProvider.
func (p *Provider) EntryPath() string { return "/start" }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/start", p.handleStart(ctx)).Methods(http.MethodGet)
	routes.HandleFunc("/callback", p.handleCallback(ctx)).Methods(http.MethodGet)
	if p.cfg.FormPost {
		routes.HandleFunc("/callback", p.handleCallback(ctx)).Methods(http.MethodPost)
	}
}

func (p *Provider) handleStart(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		state, err := randomState()
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := provider.Set(r.Context(), ctx, requestID, slotState, stateTTLSeconds, state); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, p.oc.AuthCodeURL(requestID+":"+state), http.StatusFound)
	}
}

func (p *Provider) handleCallback(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var code, state string
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "invalid_request", http.StatusBadRequest)
				return
			}
			code, state = r.PostForm.Get("code"), r.PostForm.Get("state")
		} else {
			code, state = r.URL.Query().Get("code"), r.URL.Query().Get("state")
		}

		requestID, presented, ok := splitState(state)
		if !ok {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		expected, err := provider.Get[string](r.Context(), ctx, requestID, slotState)
		if err != nil || subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
			http.Error(w, "invalid_request", http.StatusUnauthorized)
			return
		}

		tok, err := p.oc.Exchange(r.Context(), code)
		if err != nil {
			http.Error(w, fmt.Sprintf("exchange failed: %v", err), http.StatusUnauthorized)
			return
		}

		raw := map[string]any{}
		if extra, ok := tok.Extra("id_token").(string); ok {
			raw["id_token"] = extra
		}

		_ = ctx.Unset(r.Context(), requestID, slotState)
		ts := TokenSet{ClientID: p.cfg.ClientID, AccessToken: tok.AccessToken, TokenType: tok.TokenType, Raw: raw}
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: ts})
	}
}

func splitState(state string) (requestID, nonce string, ok bool) {
	for i := 0; i < len(state); i++ {
		if state[i] == ':' {
			return state[:i], state[i+1:], true
		}
	}
	return "", "", false
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth2: read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
