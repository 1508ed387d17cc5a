package saml

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/provider"
)

func selfSignedCertPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-idp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestContext(t *testing.T) *provider.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	ctx := provider.NewContext(
		store,
		func(context.Context, string) error { return nil },
		func(w http.ResponseWriter, r *http.Request, requestID string, res provider.Result) {
			w.WriteHeader(http.StatusOK)
		},
		func(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write(body)
		},
	)
	return ctx
}

func newTestProvider(t *testing.T) *Provider {
	p, err := New("okta", Config{
		SSOURL:      "https://idp.example.com/sso",
		Issuer:      "https://issuer.example.com",
		RedirectURI: "https://issuer.example.com/saml/acs",
		CACertPEM:   selfSignedCertPEM(t),
	}, func(nameID string, attrs map[string]string) json.RawMessage {
		return json.RawMessage(`{"nameID":"` + nameID + `"}`)
	})
	require.NoError(t, err)
	p.RenderForm = func(ssoURL, samlRequest, relayState string) []byte {
		return []byte(ssoURL + "|" + samlRequest + "|" + relayState)
	}
	return p
}

func TestSAMLStartRendersFormWithRelayState(t *testing.T) {
	p := newTestProvider(t)
	ctx := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	req := httptest.NewRequest(http.MethodGet, "/start?request_id=req-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://idp.example.com/sso")
}

func TestSAMLACSRejectsRelayStateMismatch(t *testing.T) {
	p := newTestProvider(t)
	ctx := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	startReq := httptest.NewRequest(http.MethodGet, "/start?request_id=req-2", nil)
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)

	form := url.Values{
		"SAMLResponse": {base64.StdEncoding.EncodeToString([]byte("<Response/>"))},
		"RelayState":   {"wrong-relay-state"},
	}
	acsReq := httptest.NewRequest(http.MethodPost, "/acs?request_id=req-2", strings.NewReader(form.Encode()))
	acsReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	acsRec := httptest.NewRecorder()
	router.ServeHTTP(acsRec, acsReq)
	require.Equal(t, http.StatusUnauthorized, acsRec.Code)
}
