package issuer

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/provider"
	"github.com/dexidp/openauth/scopes"
	"github.com/dexidp/openauth/token"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	grantClientCredentials = "client_credentials"
)

// tokenResponse is the /token JSON success body, per spec §8 scenario 1.
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

func writeTokenError(w http.ResponseWriter, status int, code errorCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(tokenError{Error: string(code), ErrorDescription: description})
}

func writeTokenResponse(w http.ResponseWriter, pair token.Pair) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
	})
}

func (iss *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "malformed form body")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case grantAuthorizationCode:
		iss.handleAuthorizationCodeGrant(w, r)
	case grantRefreshToken:
		iss.handleRefreshTokenGrant(w, r)
	case grantClientCredentials:
		iss.handleClientCredentialsGrant(w, r)
	default:
		writeTokenError(w, http.StatusBadRequest, errUnsupportedGrantType, "unknown grant_type")
	}
}

func (iss *Issuer) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (iss *Issuer) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	if code == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "missing code")
		return
	}

	ctx := r.Context()
	b, err := iss.store.Get(ctx, codeFamily(code))
	if err != nil {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "unknown or expired code")
		return
	}
	// Authorization codes are single-use, per spec §3.5: the record is
	// removed as soon as it's read, before any further validation, so a
	// concurrent double-exchange can win at most once per backend's
	// delete-on-read guarantees (documented per-adapter, per spec §5).
	if err := iss.store.Remove(ctx, codeFamily(code)); err != nil && err != kv.ErrNotFound {
		iss.log.Error("issuer: remove consumed authorization code", "error", err)
	}

	var rec codeRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		writeTokenError(w, http.StatusInternalServerError, errServerError, "corrupt code record")
		return
	}

	clientID, clientSecret := iss.clientCredentials(r)
	if clientID == "" {
		clientID = rec.ClientID
	}
	if clientID != rec.ClientID {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "client_id mismatch")
		return
	}
	if client, ok := iss.clients[clientID]; ok && !client.Public {
		if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(client.Secret)) != 1 {
			writeTokenError(w, http.StatusUnauthorized, errUnauthorizedClient, "invalid client credentials")
			return
		}
	}

	if redirectURI := r.PostForm.Get("redirect_uri"); redirectURI != "" && redirectURI != rec.RedirectURI {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "redirect_uri mismatch")
		return
	}

	if !verifyPKCE(rec.CodeChallengeMethod, rec.CodeChallenge, r.PostForm.Get("code_verifier")) {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "PKCE verification failed")
		return
	}

	pair, err := iss.tokens.Mint(ctx, rec.ClientID, rec.Subject, rec.Scopes, true)
	if err != nil {
		iss.log.Error("issuer: mint from authorization code", "error", err)
		writeTokenError(w, http.StatusInternalServerError, errServerError, "could not mint token")
		return
	}
	writeTokenResponse(w, pair)
}

func (iss *Issuer) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "missing refresh_token")
		return
	}
	pair, err := iss.tokens.Consume(r.Context(), refreshToken)
	if err != nil {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "invalid or reused refresh token")
		return
	}
	writeTokenResponse(w, pair)
}

func (iss *Issuer) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := iss.clientCredentials(r)
	if clientID == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "missing client credentials")
		return
	}

	providerName := r.PostForm.Get("provider")
	p, ok := iss.providers[providerName]
	if !ok {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "unknown provider")
		return
	}
	ccp, ok := p.(provider.ClientCredentialProvider)
	if !ok {
		writeTokenError(w, http.StatusBadRequest, errUnauthorizedClient, "provider does not support client_credentials")
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	ctx := r.Context()
	result, err := ccp.Client(ctx, clientID, clientSecret, params)
	if err != nil {
		writeTokenError(w, http.StatusUnauthorized, errUnauthorizedClient, err.Error())
		return
	}
	subj, err := iss.success(ctx, result)
	if err != nil {
		writeTokenError(w, http.StatusUnauthorized, errAccessDenied, err.Error())
		return
	}

	client := iss.clients[clientID]
	var requested *string
	if scope := r.PostForm.Get("scope"); scope != "" {
		requested = &scope
	}
	pair, err := iss.tokens.Mint(ctx, clientID, subj, scopes.Validate(requested, client.Scopes), false)
	if err != nil {
		iss.log.Error("issuer: mint client_credentials token", "error", err)
		writeTokenError(w, http.StatusInternalServerError, errServerError, "could not mint token")
		return
	}
	writeTokenResponse(w, pair)
}
