// Package client is the relying-party SDK paired with the issuer, per spec
// §4.6: building authorize URLs, exchanging codes, refreshing, and
// verifying/decoding subjects out of access tokens. Grounded on dexidp/dex's
// oauth2.Client (same discovery-document-then-token-request shape) but
// reworked from dex's fixed OIDC metadata to the issuer's own discovery
// document and subject schema.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Config configures a Client for one issuer.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.IssuerURL = strings.TrimRight(c.IssuerURL, "/")
	return c
}

// metadata is the subset of the issuer's discovery document the client
// needs to drive a flow.
type metadata struct {
	Issuer        string `json:"issuer"`
	Authorization string `json:"authorization_endpoint"`
	Token         string `json:"token_endpoint"`
	JWKS          string `json:"jwks_uri"`
	UserInfo      string `json:"userinfo_endpoint"`
}

// Client drives authorization, token, and verification requests against one
// issuer. It caches the discovery document for the lifetime of the Client,
// and the JWKS until the max-age of its Cache-Control header (five minutes
// when absent) has passed, after which the JWKS is fetched again.
type Client struct {
	cfg Config

	mu      sync.Mutex
	meta    *metadata
	jwks    jose.JSONWebKeySet
	jwksAt  time.Time
	jwksTTL time.Duration
}

// New constructs a Client for the given issuer.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults(), jwksTTL: 5 * time.Minute}
}

func (c *Client) metadata(ctx context.Context) (*metadata, error) {
	c.mu.Lock()
	cached := c.meta
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.IssuerURL+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: discovery document: unexpected status %d", resp.StatusCode)
	}
	var m metadata
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("client: decode discovery document: %w", err)
	}

	c.mu.Lock()
	c.meta = &m
	c.mu.Unlock()
	return &m, nil
}

// jwkSet returns the issuer's current signing keys, re-fetching once the
// previous fetch's Cache-Control max-age has elapsed.
func (c *Client) jwkSet(ctx context.Context) (jose.JSONWebKeySet, error) {
	c.mu.Lock()
	fresh := !c.jwksAt.IsZero() && time.Since(c.jwksAt) < c.jwksTTL
	cached := c.jwks
	c.mu.Unlock()
	if fresh {
		return cached, nil
	}

	m, err := c.metadata(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.JWKS, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("client: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("client: jwks: unexpected status %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("client: decode jwks: %w", err)
	}

	ttl := c.jwksTTL
	if maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}

	c.mu.Lock()
	c.jwks = set
	c.jwksAt = time.Now()
	c.jwksTTL = ttl
	c.mu.Unlock()
	return set, nil
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
