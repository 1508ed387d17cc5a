package issuer

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// discovery is the OIDC/OAuth2 metadata document returned from both
// well-known endpoints, per spec §4.4. Field layout and JSON tags mirror
// dexidp/dex's server.discovery struct.
type discovery struct {
	Issuer            string   `json:"issuer"`
	Auth              string   `json:"authorization_endpoint"`
	Token             string   `json:"token_endpoint"`
	Keys              string   `json:"jwks_uri"`
	UserInfo          string   `json:"userinfo_endpoint"`
	GrantTypes        []string `json:"grant_types_supported"`
	ResponseTypes     []string `json:"response_types_supported"`
	Subjects          []string `json:"subject_types_supported"`
	IDTokenAlgs       []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeAlgs []string `json:"code_challenge_methods_supported"`
	Scopes            []string `json:"scopes_supported"`
	AuthMethods       []string `json:"token_endpoint_auth_methods_supported"`
}

func (iss *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	d := discovery{
		Issuer:            iss.cfg.Issuer,
		Auth:              iss.absoluteURL("/authorize"),
		Token:             iss.absoluteURL("/token"),
		Keys:              iss.absoluteURL("/.well-known/jwks.json"),
		UserInfo:          iss.absoluteURL("/userinfo"),
		GrantTypes:        []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:     []string{"code", "token"},
		Subjects:          []string{"public"},
		IDTokenAlgs:       []string{"ES256"},
		CodeChallengeAlgs: []string{codeChallengeS256, codeChallengePlain},
		AuthMethods:       []string{"client_secret_basic", "client_secret_post", "none"},
	}
	for name := range iss.providers {
		d.Scopes = append(d.Scopes, "provider:"+name)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d); err != nil {
		iss.log.Error("issuer: encode discovery document", "error", err)
	}
}

// jwksCacheMaxAge bounds how long a client may cache the JWKS response. The
// Key Manager's own refresh interval (minimum one hour, per spec §4.2)
// already bounds how often a newly written key becomes visible in-process,
// so a much shorter HTTP cache lifetime here just limits how stale an
// external cache can get relative to that.
const jwksCacheMaxAge = 5 * 60

func (iss *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := iss.keys.JWKS(r.Context())
	if err != nil {
		iss.log.Error("issuer: load JWKS", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", jwksCacheMaxAge))
	if err := json.NewEncoder(w).Encode(set); err != nil {
		iss.log.Error("issuer: encode JWKS", "error", err)
	}
}
