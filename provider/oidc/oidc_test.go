package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/provider"
)

func setupUpstream(t *testing.T, claims map[string]any) *httptest.Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: key, KeyID: "test-key", Algorithm: "RS256", Use: "sig"}

	m := http.NewServeMux()
	m.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 base,
			"authorization_endpoint": base + "/authorize",
			"token_endpoint":         base + "/token",
			"jwks_uri":               base + "/keys",
		})
	})
	m.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk.Public()}})
	})
	m.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idToken, err := signClaims(jwk, claims)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "upstream-access-token",
			"id_token":     idToken,
			"token_type":   "Bearer",
		})
	})

	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}

func signClaims(key *jose.JSONWebKey, claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return sig.CompactSerialize()
}

func newTestContext(t *testing.T) (*provider.Context, *provider.Result) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	var result provider.Result
	ctx := provider.NewContext(
		store,
		func(context.Context, string) error { return nil },
		func(w http.ResponseWriter, r *http.Request, requestID string, res provider.Result) {
			result = res
			w.WriteHeader(http.StatusOK)
		},
		func(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write(body)
		},
	)
	return ctx, &result
}

func TestOIDCProviderFullRoundTrip(t *testing.T) {
	claims := map[string]any{
		"sub":            "user-1",
		"name":           "Ada Lovelace",
		"email":          "ada@example.com",
		"email_verified": true,
	}
	upstream := setupUpstream(t, claims)

	ctx, result := newTestContext(t)

	p, err := Open(context.Background(), "google", Config{
		Issuer:       upstream.URL,
		ClientID:     "clientID",
		ClientSecret: "clientSecret",
		RedirectURL:  "https://rp.example.com/callback",
	}, func(c Claims, rawIDToken string) (json.RawMessage, error) {
		require.Equal(t, "user-1", c.Subject)
		require.Equal(t, "ada@example.com", c.Email)
		require.NotEmpty(t, rawIDToken)
		return json.Marshal(map[string]string{"email": c.Email, "sub": c.Subject})
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	p.Init(router, ctx)

	startReq := httptest.NewRequest(http.MethodGet, "/start?request_id=req-1", nil)
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusFound, startRec.Code)

	loc, err := url.Parse(startRec.Result().Header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.True(t, strings.HasPrefix(state, "req-1:"))

	// The upstream id_token carries the claims the verifier checks.
	claims["iss"] = upstream.URL
	claims["aud"] = "clientID"
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	claims["nonce"] = loc.Query().Get("nonce")

	callbackReq := httptest.NewRequest(http.MethodGet, "/callback?code=upstream-code&state="+url.QueryEscape(state), nil)
	callbackRec := httptest.NewRecorder()
	router.ServeHTTP(callbackRec, callbackReq)
	require.Equal(t, http.StatusOK, callbackRec.Code)

	require.Equal(t, "google", result.Provider)
	cv, ok := result.Value.(claimsValue)
	require.True(t, ok)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(cv.Claims, &decoded))
	require.Equal(t, "ada@example.com", decoded["email"])
}

func TestOIDCProviderRejectsStateMismatch(t *testing.T) {
	upstream := setupUpstream(t, map[string]any{"sub": "user-1"})
	ctx, _ := newTestContext(t)

	p, err := Open(context.Background(), "google", Config{
		Issuer:       upstream.URL,
		ClientID:     "clientID",
		ClientSecret: "clientSecret",
		RedirectURL:  "https://rp.example.com/callback",
	}, func(c Claims, rawIDToken string) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"sub": c.Subject})
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	p.Init(router, ctx)

	startReq := httptest.NewRequest(http.MethodGet, "/start?request_id=req-2", nil)
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusFound, startRec.Code)

	callbackReq := httptest.NewRequest(http.MethodGet, "/callback?code=upstream-code&state=req-2:wrong-nonce", nil)
	callbackRec := httptest.NewRecorder()
	router.ServeHTTP(callbackRec, callbackReq)
	require.Equal(t, http.StatusUnauthorized, callbackRec.Code)
}
