package issuer

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dexidp/openauth/token"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func (iss *Issuer) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	accessToken := bearerToken(r)
	if accessToken == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	subj, err := iss.tokens.Verify(r.Context(), accessToken, token.VerifyOptions{})
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "invalid_token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(subj.Properties); err != nil {
		iss.log.Error("issuer: encode userinfo response", "error", err)
	}
}
