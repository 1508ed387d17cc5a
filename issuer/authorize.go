package issuer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/provider"
	"github.com/dexidp/openauth/scopes"
	"github.com/dexidp/openauth/subject"
)

const (
	responseTypeCode  = "code"
	responseTypeToken = "token"

	codeChallengeS256  = "S256"
	codeChallengePlain = "plain"

	slotAuthRequest = "authreq"
)

// authRequest is everything persisted from an /authorize call, under the
// same provider-conversation keyspace (oauth:provider/<requestID>/authreq)
// the providers themselves use for scratch storage — spec §4.4 calls this
// out explicitly: "all request inputs are persisted in the provider
// conversation keyspace under a server-generated request ID."
type authRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	State               string `json:"state"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// codeRecord is what's persisted under oauth:code/<code>, per spec §3.1.
type codeRecord struct {
	Subject             subject.Subject `json:"subject"`
	ClientID            string          `json:"client_id"`
	RedirectURI         string          `json:"redirect_uri"`
	CodeChallenge       string          `json:"code_challenge,omitempty"`
	CodeChallengeMethod string          `json:"code_challenge_method,omitempty"`
	Scopes              []string        `json:"scopes,omitempty"`
}

func codeFamily(code string) kv.Key { return kv.Key{"oauth", "code", code} }

func (iss *Issuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		http.Error(w, MissingParameterError{Name: "client_id"}.Error(), http.StatusBadRequest)
		return
	}
	client, ok := iss.clients[clientID]
	if !ok {
		http.Error(w, UnauthorizedClientError{ClientID: clientID, RedirectURI: q.Get("redirect_uri")}.Error(), http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.redirectAllowed(redirectURI) {
		// Per spec §7: before redirect_uri is validated against the
		// client's registration, errors are never turned into a redirect
		// to an untrusted URL.
		http.Error(w, UnauthorizedClientError{ClientID: clientID, RedirectURI: redirectURI}.Error(), http.StatusBadRequest)
		return
	}

	responseType := q.Get("response_type")
	if responseType != responseTypeCode && responseType != responseTypeToken {
		iss.redirectAuthorizeError(w, r, redirectURI, q.Get("state"), errUnsupportedGrantType, "unsupported response_type")
		return
	}

	challengeMethod := q.Get("code_challenge_method")
	if challengeMethod == "" && q.Get("code_challenge") != "" {
		challengeMethod = codeChallengePlain
	}
	if challengeMethod != "" && challengeMethod != codeChallengeS256 && challengeMethod != codeChallengePlain {
		iss.redirectAuthorizeError(w, r, redirectURI, q.Get("state"), errInvalidRequest, "unsupported code_challenge_method")
		return
	}

	req := authRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        responseType,
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: challengeMethod,
	}

	requestID := randomID()
	ttlSeconds := int(iss.cfg.RequestTTL.Seconds())
	if err := provider.Set(r.Context(), iss.providerCtx, requestID, slotAuthRequest, ttlSeconds, req); err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     iss.cfg.CookieName,
		Value:    requestID,
		Path:     iss.path("/"),
		MaxAge:   ttlSeconds,
		HttpOnly: true,
		Secure:   iss.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	providerName := q.Get("provider")
	if providerName == "" {
		if len(iss.providers) == 1 {
			for name := range iss.providers {
				providerName = name
			}
		} else {
			names := make([]string, 0, len(iss.providers))
			for name := range iss.providers {
				names = append(names, name)
			}
			sort.Strings(names)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write(iss.cfg.SelectionPage(names, requestID))
			return
		}
	}

	p, ok := iss.providers[providerName]
	if !ok {
		iss.redirectAuthorizeError(w, r, redirectURI, req.State, errInvalidRequest, "unknown provider")
		return
	}

	if rp, ok := p.(RedirectProvider); ok {
		target := iss.path("/"+providerName+rp.EntryPath()) + "?request_id=" + url.QueryEscape(requestID)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(iss.cfg.EntryPage(providerName, requestID))
}

// redirectAuthorizeError redirects to an already-validated redirectURI
// carrying an OAuth error pair, per spec §7.
func (iss *Issuer) redirectAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI, state string, code errorCode, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	values := u.Query()
	values.Set("error", string(code))
	values.Set("error_description", description)
	if state != "" {
		values.Set("state", state)
	}
	u.RawQuery = values.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// onProviderSuccess is the Context.Success callback wired into every
// mounted provider's conversation, per spec §4.4's three-step contract.
func (iss *Issuer) onProviderSuccess(w http.ResponseWriter, r *http.Request, requestID string, result provider.Result) {
	ctx := r.Context()

	req, err := provider.Get[authRequest](ctx, iss.providerCtx, requestID, slotAuthRequest)
	if err != nil {
		http.Error(w, UnknownStateError{}.Error(), http.StatusBadRequest)
		return
	}
	_ = iss.providerCtx.Unset(ctx, requestID, slotAuthRequest)

	subj, err := iss.success(ctx, result)
	if err != nil {
		iss.redirectAuthorizeError(w, r, req.RedirectURI, req.State, errAccessDenied, err.Error())
		return
	}

	client := iss.clients[req.ClientID]
	var requested *string
	if req.Scope != "" {
		requested = &req.Scope
	}
	granted := scopes.Validate(requested, client.Scopes)

	if req.ResponseType == responseTypeToken {
		iss.finishImplicit(w, r, req, subj, granted)
		return
	}
	iss.finishCode(w, r, req, subj, granted)
}

func (iss *Issuer) finishCode(w http.ResponseWriter, r *http.Request, req authRequest, subj subject.Subject, grantedScopes []string) {
	code := randomID()
	rec := codeRecord{
		Subject:             subj,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              grantedScopes,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}
	if err := iss.store.Set(r.Context(), codeFamily(code), b, 60*time.Second); err != nil {
		iss.log.Error("issuer: persist authorization code", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}
	values := u.Query()
	values.Set("code", code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	u.RawQuery = values.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (iss *Issuer) finishImplicit(w http.ResponseWriter, r *http.Request, req authRequest, subj subject.Subject, grantedScopes []string) {
	pair, err := iss.tokens.Mint(r.Context(), req.ClientID, subj, grantedScopes, false)
	if err != nil {
		iss.log.Error("issuer: mint implicit token", "error", err)
		iss.redirectAuthorizeError(w, r, req.RedirectURI, req.State, errServerError, "could not mint token")
		return
	}

	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}
	fragment := url.Values{}
	fragment.Set("access_token", pair.AccessToken)
	fragment.Set("token_type", "bearer")
	fragment.Set("expires_in", fmt.Sprintf("%d", pair.ExpiresIn))
	if req.State != "" {
		fragment.Set("state", req.State)
	}
	u.Fragment = fragment.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (iss *Issuer) onProviderForward(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

// verifyPKCE reports whether verifier satisfies challenge under method,
// per spec §8's PKCE invariant: exchange succeeds iff M(verifier) == C.
func verifyPKCE(method, challenge, verifier string) bool {
	if challenge == "" {
		return verifier == ""
	}
	switch method {
	case codeChallengeS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	default: // plain
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	}
}

func randomID() string {
	return uuid.New().String()
}
