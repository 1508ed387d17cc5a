package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/dexidp/openauth/subject"
	"github.com/dexidp/openauth/token"
)

// VerifyOptions narrows Verify's behavior, per spec §4.6.
type VerifyOptions struct {
	// Audience, if set, must match the token's aud claim exactly.
	Audience string
	// RefreshToken, if set, is used to obtain a fresh access token and
	// retry verification once when the supplied access token fails
	// verification for any reason, expiry included.
	RefreshToken string
}

// Verified is what Verify returns: the decoded subject and, when
// RefreshToken triggered a refresh, the new token pair the caller should
// persist in place of the one it presented.
type Verified[T any] struct {
	Subject    subject.Subject
	Properties T
	Refreshed  Tokens
}

func (c *Client) verifyClaims(ctx context.Context, accessToken string) (token.AccessClaims, error) {
	sig, err := jose.ParseSigned(accessToken, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return token.AccessClaims{}, fmt.Errorf("client: parse access token: %w", err)
	}
	if len(sig.Signatures) == 0 {
		return token.AccessClaims{}, fmt.Errorf("client: access token carries no signature")
	}
	kid := sig.Signatures[0].Header.KeyID

	set, err := c.jwkSet(ctx)
	if err != nil {
		return token.AccessClaims{}, err
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return token.AccessClaims{}, fmt.Errorf("client: unknown signing key %q", kid)
	}

	payload, err := sig.Verify(keys[0])
	if err != nil {
		return token.AccessClaims{}, fmt.Errorf("client: verify access token signature: %w", err)
	}
	var claims token.AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return token.AccessClaims{}, fmt.Errorf("client: decode access token claims: %w", err)
	}
	return claims, nil
}

func checkClaims(claims token.AccessClaims, issuer, audience string) error {
	if claims.Mode != token.ModeAccess {
		return fmt.Errorf("client: unexpected token mode %q", claims.Mode)
	}
	if claims.Issuer != issuer {
		return fmt.Errorf("client: issuer mismatch: got %q want %q", claims.Issuer, issuer)
	}
	if audience != "" && claims.Audience != audience {
		return fmt.Errorf("client: audience mismatch: got %q want %q", claims.Audience, audience)
	}
	if time.Now().Unix() >= claims.Expiry {
		return fmt.Errorf("client: access token expired")
	}
	return nil
}

// Verify validates accessToken's signature against the issuer's current
// JWKS, checks issuer/audience/expiry/mode, and decodes+re-validates its
// properties through schema. When verification fails for any reason
// (expiry included) and opts.RefreshToken is set, it refreshes once and
// retries before giving up, per spec §4.6.
func Verify[T any](ctx context.Context, c *Client, schema subject.Schema[T], accessToken string, opts VerifyOptions) (Verified[T], error) {
	claims, err := c.verifyClaims(ctx, accessToken)
	if err == nil {
		err = checkClaims(claims, c.cfg.IssuerURL, opts.Audience)
	}

	var refreshed Tokens
	if err != nil && opts.RefreshToken != "" {
		pair, rerr := c.Refresh(ctx, opts.RefreshToken, Tokens{})
		if rerr != nil {
			return Verified[T]{}, fmt.Errorf("client: verify failed (%v) and refresh failed: %w", err, rerr)
		}
		claims, err = c.verifyClaims(ctx, pair.AccessToken)
		if err == nil {
			err = checkClaims(claims, c.cfg.IssuerURL, opts.Audience)
		}
		if err != nil {
			return Verified[T]{}, err
		}
		refreshed = pair
	} else if err != nil {
		return Verified[T]{}, err
	}

	props, err := parseProperties(schema, claims.Properties)
	if err != nil {
		return Verified[T]{}, fmt.Errorf("client: validate subject properties: %w", err)
	}

	return Verified[T]{
		Subject:    subject.Subject{Type: claims.Type, ID: claims.Subject, Properties: props},
		Properties: props,
		Refreshed:  refreshed,
	}, nil
}

// parseProperties re-validates raw (a JWT claim's raw JSON) through schema,
// mirroring subject.Decode's marshal-then-Validate round trip so client and
// server subject validation take the same shape of input.
func parseProperties[T any](schema subject.Schema[T], raw json.RawMessage) (T, error) {
	var zero T
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, err
	}
	return schema.Parse(v)
}

// Decode validates accessToken's subject properties through schema without
// verifying the JWS signature — intended only for trusted ingress that has
// already terminated the identity boundary (e.g. a sidecar verifying
// upstream of this process), per spec §4.6.
func Decode[T any](schema subject.Schema[T], accessToken string) (subject.Subject, error) {
	sig, err := jose.ParseSigned(accessToken, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return subject.Subject{}, fmt.Errorf("client: parse access token: %w", err)
	}
	payload := sig.UnsafePayloadWithoutVerification()
	var claims token.AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return subject.Subject{}, fmt.Errorf("client: decode access token claims: %w", err)
	}
	props, err := parseProperties(schema, claims.Properties)
	if err != nil {
		return subject.Subject{}, fmt.Errorf("client: validate subject properties: %w", err)
	}
	return subject.Subject{Type: claims.Type, ID: claims.Subject, Properties: props}, nil
}
