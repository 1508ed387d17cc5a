package password

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
}

func (m *mockMailer) Send(from, subject, text, html string, to ...string) error {
	m.lastBody = text
	return nil
}

func newTestContext(t *testing.T) (*provider.Context, *provider.Result, *int) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	var result provider.Result
	invalidations := 0
	ctx := provider.NewContext(
		store,
		func(context.Context, string) error { invalidations++; return nil },
		func(w http.ResponseWriter, r *http.Request, requestID string, res provider.Result) {
			result = res
			w.WriteHeader(http.StatusOK)
		},
		func(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write(body)
		},
	)
	return ctx, &result, &invalidations
}

func newTestProvider(mail *mockMailer) *Provider {
	p := New("password", NewScryptHasher(), mail, "no-reply@example.com")
	p.RenderRegisterSent = func(requestID string) []byte { return []byte("confirm your registration") }
	p.Subject = func(email string) json.RawMessage {
		b, _ := json.Marshal(map[string]string{"email": email})
		return b
	}
	return p
}

var codePattern = regexp.MustCompile(`code is (\d+)`)

func registerAccount(t *testing.T, router *mux.Router, mail *mockMailer, email, passwd string) {
	t.Helper()
	startReq := httptest.NewRequest(http.MethodPost, "/register?request_id=reg-1", strings.NewReader(url.Values{
		"email": {email}, "password": {passwd},
	}.Encode()))
	startReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)

	m := codePattern.FindStringSubmatch(mail.lastBody)
	require.Len(t, m, 2)

	verifyReq := httptest.NewRequest(http.MethodPost, "/register/verify?request_id=reg-1", strings.NewReader(url.Values{
		"code": {m[1]},
	}.Encode()))
	verifyReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusOK, verifyRec.Code)
}

func TestPasswordRegisterAndLogin(t *testing.T) {
	mail := &mockMailer{}
	p := newTestProvider(mail)
	ctx, result, _ := newTestContext(t)

	router := mux.NewRouter()
	p.Init(router, ctx)

	registerAccount(t, router, mail, "ada@example.com", "correct horse battery staple")

	loginReq := httptest.NewRequest(http.MethodPost, "/login?request_id=login-1", strings.NewReader(url.Values{
		"email": {"ada@example.com"}, "password": {"correct horse battery staple"},
	}.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	require.Equal(t, "password", result.Provider)
	cv, ok := result.Value.(claimsValue)
	require.True(t, ok)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(cv.Claims, &decoded))
	require.Equal(t, "ada@example.com", decoded["email"])
}

func TestPasswordLoginRejectsWrongPassword(t *testing.T) {
	mail := &mockMailer{}
	p := newTestProvider(mail)
	ctx, _, _ := newTestContext(t)

	router := mux.NewRouter()
	p.Init(router, ctx)

	registerAccount(t, router, mail, "ada@example.com", "correct horse battery staple")

	loginReq := httptest.NewRequest(http.MethodPost, "/login?request_id=login-2", strings.NewReader(url.Values{
		"email": {"ada@example.com"}, "password": {"wrong password"},
	}.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusUnauthorized, loginRec.Code)
}

func TestPasswordChangeRequiresCurrentPasswordAndInvalidatesSessions(t *testing.T) {
	mail := &mockMailer{}
	p := newTestProvider(mail)
	ctx, _, invalidations := newTestContext(t)

	router := mux.NewRouter()
	p.Init(router, ctx)

	registerAccount(t, router, mail, "ada@example.com", "old password value")

	changeReq := httptest.NewRequest(http.MethodPost, "/change", strings.NewReader(url.Values{
		"email": {"ada@example.com"}, "current_password": {"wrong"}, "new_password": {"new password value"},
	}.Encode()))
	changeReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	changeRec := httptest.NewRecorder()
	router.ServeHTTP(changeRec, changeReq)
	require.Equal(t, http.StatusUnauthorized, changeRec.Code)
	require.Equal(t, 0, *invalidations)

	changeReq = httptest.NewRequest(http.MethodPost, "/change", strings.NewReader(url.Values{
		"email": {"ada@example.com"}, "current_password": {"old password value"}, "new_password": {"new password value"},
	}.Encode()))
	changeReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	changeRec = httptest.NewRecorder()
	router.ServeHTTP(changeRec, changeReq)
	require.Equal(t, http.StatusNoContent, changeRec.Code)
	require.Equal(t, 1, *invalidations)

	loginReq := httptest.NewRequest(http.MethodPost, "/login?request_id=login-3", strings.NewReader(url.Values{
		"email": {"ada@example.com"}, "password": {"new password value"},
	}.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)
}
