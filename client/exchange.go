package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tokens is an access + refresh token pair with the access token's
// expiration stamped as a wall-clock time, for Refresh's short-circuit
// check.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("client: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tokens{}, fmt.Errorf("client: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		if te.Error == "" {
			te.Error = "server_error"
		}
		return Tokens{}, fmt.Errorf("client: %s: %s", te.Error, te.ErrorDescription)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Tokens{}, fmt.Errorf("client: decode token response: %w", err)
	}
	return Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// Exchange trades an authorization code for a token pair, per spec §4.6.
// verifier is the PKCE verifier Authorize generated, or "" if PKCE wasn't
// used.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, verifier string) (Tokens, error) {
	m, err := c.metadata(ctx)
	if err != nil {
		return Tokens{}, err
	}
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {c.cfg.ClientID},
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return c.postForm(ctx, m.Token, form)
}

// minRefreshSlack is how much validity an access token must still carry
// for Refresh to short-circuit and return it unchanged, per spec §4.6.
const minRefreshSlack = 30 * time.Second

// Refresh exchanges refreshToken for a new pair, unless access is still
// valid for more than minRefreshSlack — in which case it's returned as-is
// without a round trip.
func (c *Client) Refresh(ctx context.Context, refreshToken string, access Tokens) (Tokens, error) {
	if access.AccessToken != "" && time.Until(access.ExpiresAt) > minRefreshSlack {
		return access, nil
	}
	m, err := c.metadata(ctx)
	if err != nil {
		return Tokens{}, err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.postForm(ctx, m.Token, form)
}
