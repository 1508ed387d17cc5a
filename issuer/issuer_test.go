package issuer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/keys"
	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/provider"
	"github.com/dexidp/openauth/subject"
	"github.com/dexidp/openauth/token"
)

type userProps struct {
	Email string `json:"email"`
}

// stubProvider drives its conversation from the test: /start immediately
// completes it by calling ctx.Success with whatever Result the test sets up.
type stubProvider struct {
	name   string
	result provider.Result
	fail   bool

	// client, if set, makes this provider a ClientCredentialProvider.
	client func(ctx context.Context, clientID, clientSecret string, params map[string]string) (provider.Result, error)
}

func (p *stubProvider) Type() string { return p.name }

func (p *stubProvider) EntryPath() string { return "/start" }

func (p *stubProvider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if p.fail {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		ctx.Success(w, r, requestID, p.result)
	})
}

func (p *stubProvider) Client(ctx context.Context, clientID, clientSecret string, params map[string]string) (provider.Result, error) {
	return p.client(ctx, clientID, clientSecret, params)
}

func newTestIssuer(t *testing.T, clients map[string]Client, providers map[string]provider.Provider) *Issuer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	km := keys.New(store, keys.Config{}, logger)

	registry := subject.NewRegistry()
	subject.Register[userProps](registry, "user", subject.SchemaFunc[userProps](func(v any) (userProps, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return userProps{}, err
		}
		var p userProps
		err = json.Unmarshal(b, &p)
		return p, err
	}))

	tokens := token.New(token.Config{Issuer: "https://issuer.example"}, km, registry, store, logger)

	success := func(ctx context.Context, result provider.Result) (subject.Subject, error) {
		if result.Provider == "" {
			return subject.Subject{}, UnknownStateError{}
		}
		m := result.Value.(map[string]string)
		return subject.Subject{Type: "user", ID: m["id"], Properties: userProps{Email: m["email"]}}, nil
	}

	return New(Config{
		Issuer:   "https://issuer.example",
		BasePath: "",
	}, store, km, tokens, clients, providers, success, logger)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	clients := map[string]Client{
		"client-1": {ID: "client-1", Secret: "shh", RedirectURIs: []string{"https://rp.example/cb"}, Scopes: []string{"profile", "email"}},
	}
	providers := map[string]provider.Provider{
		"google": &stubProvider{name: "google", result: provider.Result{Provider: "google", Value: map[string]string{"id": "user-1", "email": "a@example.com"}}},
	}
	iss := newTestIssuer(t, clients, providers)
	r := iss.Router()

	srv := httptest.NewServer(r)
	defer srv.Close()
	httpClient := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	q := url.Values{
		"client_id":     {"client-1"},
		"redirect_uri":  {"https://rp.example/cb"},
		"response_type": {"code"},
		"state":         {"xyz"},
		"scope":         {"profile"},
		"provider":      {"google"},
	}
	resp, err := httpClient.Get(srv.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	startLoc, err := resp.Location()
	require.NoError(t, err)
	require.Contains(t, startLoc.Path, "/google/start")

	resp2, err := httpClient.Get(srv.URL + startLoc.RequestURI())
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp2.StatusCode)

	cbLoc, err := resp2.Location()
	require.NoError(t, err)
	require.Equal(t, "xyz", cbLoc.Query().Get("state"))
	code := cbLoc.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://rp.example/cb"},
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.SetBasicAuth("client-1", "shh")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokResp, err := httpClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, tokResp.StatusCode)

	var body tokenResponse
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&body))
	require.NotEmpty(t, body.AccessToken)
	require.NotEmpty(t, body.RefreshToken)

	// The code is single-use: a second exchange attempt must fail.
	req2, err := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req2.SetBasicAuth("client-1", "shh")
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	replay, err := httpClient.Do(req2)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, replay.StatusCode)

	userinfoReq, err := http.NewRequest(http.MethodGet, srv.URL+"/userinfo", nil)
	require.NoError(t, err)
	userinfoReq.Header.Set("Authorization", "Bearer "+body.AccessToken)
	userinfoResp, err := httpClient.Do(userinfoReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, userinfoResp.StatusCode)
	var props userProps
	require.NoError(t, json.NewDecoder(userinfoResp.Body).Decode(&props))
	require.Equal(t, "a@example.com", props.Email)
}

func TestImplicitFlow(t *testing.T) {
	clients := map[string]Client{
		"spa": {ID: "spa", Public: true, RedirectURIs: []string{"https://rp.example/cb"}},
	}
	providers := map[string]provider.Provider{
		"google": &stubProvider{name: "google", result: provider.Result{Provider: "google", Value: map[string]string{"id": "user-1", "email": "a@example.com"}}},
	}
	iss := newTestIssuer(t, clients, providers)
	r := iss.Router()
	srv := httptest.NewServer(r)
	defer srv.Close()
	httpClient := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	q := url.Values{
		"client_id":     {"spa"},
		"redirect_uri":  {"https://rp.example/cb"},
		"response_type": {"token"},
		"provider":      {"google"},
	}
	resp, err := httpClient.Get(srv.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	startLoc, err := resp.Location()
	require.NoError(t, err)

	resp2, err := httpClient.Get(srv.URL + startLoc.RequestURI())
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp2.StatusCode)
	cbLoc, err := resp2.Location()
	require.NoError(t, err)

	fragment, err := url.ParseQuery(cbLoc.Fragment)
	require.NoError(t, err)
	require.NotEmpty(t, fragment.Get("access_token"))
	require.Equal(t, "bearer", fragment.Get("token_type"))
}

func TestPKCEMismatchRejected(t *testing.T) {
	clients := map[string]Client{
		"cli": {ID: "cli", Public: true, RedirectURIs: []string{"https://rp.example/cb"}},
	}
	providers := map[string]provider.Provider{
		"google": &stubProvider{name: "google", result: provider.Result{Provider: "google", Value: map[string]string{"id": "user-1", "email": "a@example.com"}}},
	}
	iss := newTestIssuer(t, clients, providers)
	r := iss.Router()
	srv := httptest.NewServer(r)
	defer srv.Close()
	httpClient := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	q := url.Values{
		"client_id":             {"cli"},
		"redirect_uri":          {"https://rp.example/cb"},
		"response_type":         {"code"},
		"provider":              {"google"},
		"code_challenge":        {"abc123"},
		"code_challenge_method": {"S256"},
	}
	resp, err := httpClient.Get(srv.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	startLoc, err := resp.Location()
	require.NoError(t, err)
	resp2, err := httpClient.Get(srv.URL + startLoc.RequestURI())
	require.NoError(t, err)
	cbLoc, err := resp2.Location()
	require.NoError(t, err)
	code := cbLoc.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"cli"},
		"code_verifier": {"wrong-verifier"},
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokResp, err := httpClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, tokResp.StatusCode)
	var errBody tokenError
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&errBody))
	require.Equal(t, "invalid_grant", errBody.Error)
}

func TestRefreshTokenGrant(t *testing.T) {
	clients := map[string]Client{
		"client-1": {ID: "client-1", Secret: "shh", RedirectURIs: []string{"https://rp.example/cb"}},
	}
	providers := map[string]provider.Provider{
		"google": &stubProvider{name: "google", result: provider.Result{Provider: "google", Value: map[string]string{"id": "user-1", "email": "a@example.com"}}},
	}
	iss := newTestIssuer(t, clients, providers)
	r := iss.Router()
	srv := httptest.NewServer(r)
	defer srv.Close()
	httpClient := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	q := url.Values{
		"client_id":     {"client-1"},
		"redirect_uri":  {"https://rp.example/cb"},
		"response_type": {"code"},
		"provider":      {"google"},
	}
	resp, err := httpClient.Get(srv.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	startLoc, err := resp.Location()
	require.NoError(t, err)
	resp2, err := httpClient.Get(srv.URL + startLoc.RequestURI())
	require.NoError(t, err)
	cbLoc, err := resp2.Location()
	require.NoError(t, err)
	code := cbLoc.Query().Get("code")

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {"client-1"}}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.SetBasicAuth("client-1", "shh")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokResp, err := httpClient.Do(req)
	require.NoError(t, err)
	var first tokenResponse
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&first))
	require.NotEmpty(t, first.RefreshToken)

	refreshForm := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {first.RefreshToken}}
	req2, err := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(refreshForm.Encode()))
	require.NoError(t, err)
	req2.SetBasicAuth("client-1", "shh")
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	refreshResp, err := httpClient.Do(req2)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, refreshResp.StatusCode)
	var second tokenResponse
	require.NoError(t, json.NewDecoder(refreshResp.Body).Decode(&second))
	require.NotEmpty(t, second.AccessToken)
	require.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestRefreshTokenGrantMissingToken(t *testing.T) {
	iss := newTestIssuer(t, nil, nil)
	r := iss.Router()
	srv := httptest.NewServer(r)
	defer srv.Close()

	form := url.Values{"grant_type": {"refresh_token"}}
	resp, err := http.Post(srv.URL+"/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody tokenError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	require.Equal(t, "invalid_request", errBody.Error)
}

func TestClientCredentialsGrant(t *testing.T) {
	providers := map[string]provider.Provider{
		"service": &stubProvider{
			name: "service",
			client: func(ctx context.Context, clientID, clientSecret string, params map[string]string) (provider.Result, error) {
				require.Equal(t, "svc-1", clientID)
				require.Equal(t, "secret", clientSecret)
				return provider.Result{Provider: "service", Value: map[string]string{"id": "svc-1", "email": ""}}, nil
			},
		},
	}
	iss := newTestIssuer(t, nil, providers)
	r := iss.Router()
	srv := httptest.NewServer(r)
	defer srv.Close()

	form := url.Values{"grant_type": {"client_credentials"}, "provider": {"service"}}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.SetBasicAuth("svc-1", "secret")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.AccessToken)
	require.Empty(t, body.RefreshToken)
}

func TestDiscoveryHonorsBasePath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	km := keys.New(store, keys.Config{}, logger)
	registry := subject.NewRegistry()
	tokens := token.New(token.Config{Issuer: "https://issuer.example"}, km, registry, store, logger)
	success := func(ctx context.Context, result provider.Result) (subject.Subject, error) {
		return subject.Subject{}, nil
	}

	iss := New(Config{Issuer: "https://issuer.example", BasePath: "/auth"}, store, km, tokens, nil, nil, success, logger)
	r := iss.Router()
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/auth/.well-known/openid-configuration")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var d discovery
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	require.Equal(t, "https://issuer.example/auth/authorize", d.Auth)
	require.Equal(t, "https://issuer.example/auth/token", d.Token)
}
