package token

import "encoding/json"

// AccessClaims is the JWT claim set for access tokens, per spec §3.3.
type AccessClaims struct {
	Issuer     string          `json:"iss"`
	Subject    string          `json:"sub"`
	Audience   string          `json:"aud"`
	IssuedAt   int64           `json:"iat"`
	Expiry     int64           `json:"exp"`
	Mode       string          `json:"mode"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	Scopes     []string        `json:"scopes,omitempty"`
}

// ModeAccess is the fixed "mode" claim value stamped on every access token,
// distinguishing it from any other JWS the issuer might ever sign.
const ModeAccess = "access"
