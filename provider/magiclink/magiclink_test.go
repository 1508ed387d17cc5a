package magiclink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/provider"
)

type mockMailer struct {
	lastBody string
	lastTo   []string
}

func (m *mockMailer) Send(from, subject, text, html string, to ...string) error {
	m.lastBody, m.lastTo = text, to
	return nil
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

func newTestProvider(mail *mockMailer) *Provider {
	p := New("magiclink", mail, "no-reply@example.com", "https://issuer.example/magiclink/verify")
	p.RenderSent = func(requestID string) []byte { return []byte("check your email") }
	p.Request = func(r *http.Request) (string, Claims, error) {
		if err := r.ParseForm(); err != nil {
			return "", nil, err
		}
		return r.PostForm.Get("email"), nil, nil
	}
	p.Subject = func(email string) Claims {
		b, _ := json.Marshal(map[string]string{"email": email})
		return b
	}
	return p
}

var linkPattern = regexp.MustCompile(`token=([^\s]+)`)

func TestMagicLinkFullRoundTrip(t *testing.T) {
	mail := &mockMailer{}
	p := newTestProvider(mail)
	ctx, result := newTestContext(t)

	router := mux.NewRouter()
	p.Init(router, ctx)

	startReq := httptest.NewRequest(http.MethodPost, "/start?request_id=req-1", strings.NewReader(url.Values{"email": {"ada@example.com"}}.Encode()))
	startReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)
	require.Equal(t, []string{"ada@example.com"}, mail.lastTo)

	m := linkPattern.FindStringSubmatch(mail.lastBody)
	require.Len(t, m, 2)
	token := m[1]

	verifyReq := httptest.NewRequest(http.MethodGet, "/verify?request_id=req-1&token="+url.QueryEscape(token), nil)
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusOK, verifyRec.Code)

	require.Equal(t, "magiclink", result.Provider)
	cv, ok := result.Value.(claimsValue)
	require.True(t, ok)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(cv.Claims, &decoded))
	require.Equal(t, "ada@example.com", decoded["email"])
}

func TestMagicLinkRejectsWrongToken(t *testing.T) {
	mail := &mockMailer{}
	p := newTestProvider(mail)
	ctx, _ := newTestContext(t)

	router := mux.NewRouter()
	p.Init(router, ctx)

	startReq := httptest.NewRequest(http.MethodPost, "/start?request_id=req-2", strings.NewReader(url.Values{"email": {"ada@example.com"}}.Encode()))
	startReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)

	verifyReq := httptest.NewRequest(http.MethodGet, "/verify?request_id=req-2&token=wrong", nil)
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusBadRequest, verifyRec.Code)
}
