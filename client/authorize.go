package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
)

// AuthorizeOptions customizes an authorize URL.
type AuthorizeOptions struct {
	ResponseType string // "code" (default) or "token"
	State        string
	Scope        string
	Provider     string // pre-selects a provider, skipping the issuer's selection page
	PKCE         bool   // generate a verifier/challenge pair for response_type=code
}

// AuthorizeResult is what Authorize builds: the URL to send the browser to,
// and — when PKCE was requested — the verifier the caller must hold onto
// until Exchange.
type AuthorizeResult struct {
	URL      string
	Verifier string
}

// Authorize builds the /authorize URL for redirectURI, per spec §4.6.
func (c *Client) Authorize(redirectURI string, opts AuthorizeOptions) (AuthorizeResult, error) {
	m, err := c.metadata(context.Background())
	if err != nil {
		return AuthorizeResult{}, err
	}

	u, err := url.Parse(m.Authorization)
	if err != nil {
		return AuthorizeResult{}, err
	}

	responseType := opts.ResponseType
	if responseType == "" {
		responseType = "code"
	}

	q := url.Values{
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {redirectURI},
		"response_type": {responseType},
	}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Scope != "" {
		q.Set("scope", opts.Scope)
	}
	if opts.Provider != "" {
		q.Set("provider", opts.Provider)
	}

	result := AuthorizeResult{}
	if opts.PKCE && responseType == "code" {
		verifier, err := pkceVerifier()
		if err != nil {
			return AuthorizeResult{}, err
		}
		sum := sha256.Sum256([]byte(verifier))
		q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:]))
		q.Set("code_challenge_method", "S256")
		result.Verifier = verifier
	}

	u.RawQuery = q.Encode()
	result.URL = u.String()
	return result, nil
}

// pkceVerifier generates a high-entropy code verifier, per RFC 7636 §4.1.
func pkceVerifier() (string, error) {
	b := make([]byte, 32)
	n, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	if n != len(b) {
		return "", errors.New("unable to generate enough random data")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
