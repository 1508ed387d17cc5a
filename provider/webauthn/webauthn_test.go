package webauthn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/provider"
)

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

func signAssertion(t *testing.T, priv *ecdsa.PrivateKey, rpIDHash [32]byte, challenge, origin string) assertionRequest {
	t.Helper()
	cd := clientData{Type: "webauthn.get", Challenge: challenge, Origin: origin}
	cdJSON, err := json.Marshal(cd)
	require.NoError(t, err)

	authData := make([]byte, 37)
	copy(authData[:32], rpIDHash[:])
	authData[32] = flagUserPresent | flagUserVerified

	clientDataHash := sha256.Sum256(cdJSON)
	signedData := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedData)

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	der, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	require.NoError(t, err)

	return assertionRequest{
		CredentialID:      "cred-1",
		ClientDataJSON:    base64.RawURLEncoding.EncodeToString(cdJSON),
		AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
		Signature:         base64.RawURLEncoding.EncodeToString(der),
	}
}

func TestWebAuthnFullRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rpIDHash := sha256.Sum256([]byte("example.com"))

	lookup := func(ctx context.Context, credentialID string) (*ecdsa.PublicKey, [32]byte, error) {
		require.Equal(t, "cred-1", credentialID)
		return &priv.PublicKey, rpIDHash, nil
	}
	p := New("passkey", lookup, func(credentialID string) json.RawMessage {
		b, _ := json.Marshal(map[string]string{"credentialId": credentialID})
		return b
	}, "https://example.com")
	p.RenderChallenge = func(requestID, challenge string) []byte { return []byte(challenge) }

	ctx, result := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	challengeReq := httptest.NewRequest(http.MethodPost, "/challenge?request_id=req-1", nil)
	challengeRec := httptest.NewRecorder()
	router.ServeHTTP(challengeRec, challengeReq)
	require.Equal(t, http.StatusOK, challengeRec.Code)
	challenge := challengeRec.Body.String()
	require.Len(t, challenge, challengeDigits)

	assertion := signAssertion(t, priv, rpIDHash, challenge, "https://example.com")
	body, err := json.Marshal(assertion)
	require.NoError(t, err)

	verifyReq := httptest.NewRequest(http.MethodPost, "/verify?request_id=req-1", bytes.NewReader(body))
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusOK, verifyRec.Code)

	require.Equal(t, "passkey", result.Provider)
	cv, ok := result.Value.(claimsValue)
	require.True(t, ok)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(cv.Claims, &decoded))
	require.Equal(t, "cred-1", decoded["credentialId"])
}

func TestWebAuthnRejectsWrongOrigin(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rpIDHash := sha256.Sum256([]byte("example.com"))

	lookup := func(ctx context.Context, credentialID string) (*ecdsa.PublicKey, [32]byte, error) {
		return &priv.PublicKey, rpIDHash, nil
	}
	p := New("passkey", lookup, func(credentialID string) json.RawMessage {
		return json.RawMessage(`{}`)
	}, "https://example.com")
	p.RenderChallenge = func(requestID, challenge string) []byte { return []byte(challenge) }

	ctx, _ := newTestContext(t)
	router := mux.NewRouter()
	p.Init(router, ctx)

	challengeReq := httptest.NewRequest(http.MethodPost, "/challenge?request_id=req-2", nil)
	challengeRec := httptest.NewRecorder()
	router.ServeHTTP(challengeRec, challengeReq)
	challenge := challengeRec.Body.String()

	assertion := signAssertion(t, priv, rpIDHash, challenge, "https://evil.example")
	body, err := json.Marshal(assertion)
	require.NoError(t, err)

	verifyReq := httptest.NewRequest(http.MethodPost, "/verify?request_id=req-2", bytes.NewReader(body))
	verifyRec := httptest.NewRecorder()
	router.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusUnauthorized, verifyRec.Code)
}

