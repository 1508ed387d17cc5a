package siwe

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

	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/provider"
)

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

func newTestProvider() *Provider {
	p := New("ethereum", "example.com", func(address string) json.RawMessage {
		b, _ := json.Marshal(map[string]string{"address": address})
		return b
	})
	p.RenderChallenge = func(requestID, nonce string) []byte { return []byte(nonce) }
	return p
}

func TestSIWENonceIssuance(t *testing.T) {
	p := newTestProvider()
	ctx := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	req := httptest.NewRequest(http.MethodPost, "/nonce?request_id=req-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

func TestSIWEVerifyRejectsMalformedMessage(t *testing.T) {
	p := newTestProvider()
	ctx := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	nonceReq := httptest.NewRequest(http.MethodPost, "/nonce?request_id=req-2", nil)
	nonceRec := httptest.NewRecorder()
	router.ServeHTTP(nonceRec, nonceReq)
	require.Equal(t, http.StatusOK, nonceRec.Code)

	form := url.Values{"message": {"not a valid siwe message"}, "signature": {"0xdeadbeef"}}
	verifyReq := httptest.NewRequest(http.MethodPost, "/verify?request_id=req-2", strings.NewReader(form.Encode()))
	verifyReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusBadRequest, verifyRec.Code)
}

func TestSIWEVerifyRejectsUnknownConversation(t *testing.T) {
	p := newTestProvider()
	ctx := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	form := url.Values{"message": {"x"}, "signature": {"0x00"}}
	verifyReq := httptest.NewRequest(http.MethodPost, "/verify?request_id=never-started", strings.NewReader(form.Encode()))
	verifyReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusBadRequest, verifyRec.Code)
}
