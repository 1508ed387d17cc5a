// Package token implements the Token Service: JWT minting, ES256 signing
// over rotating keys via the Key Manager, refresh-token rotation with reuse
// detection, and audience-scoped verification, per spec §4.3.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dexidp/openauth/keys"
	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/subject"
)

// Config carries the issuer-wide TTLs spec §6 "Configuration" names under
// the ttl.* keys, with the spec's defaults.
type Config struct {
	Issuer string

	AccessTTL     time.Duration // default 30s
	RefreshTTL    time.Duration // default 30 days
	ReuseInterval time.Duration // default 60s
	Retention     time.Duration // default 0
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 30 * time.Second
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.ReuseInterval <= 0 {
		c.ReuseInterval = 60 * time.Second
	}
	// Retention's zero value (disabled rotation detection) is meaningful
	// and must not be defaulted away.
	return c
}

// Service mints and verifies access/refresh tokens.
type Service struct {
	cfg      Config
	keys     *keys.Manager
	subjects *subject.Registry
	store    kv.Store
	log      *slog.Logger
	clock    func() time.Time
}

// New constructs a Service.
func New(cfg Config, km *keys.Manager, subjects *subject.Registry, store kv.Store, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		keys:     km,
		subjects: subjects,
		store:    store,
		log:      log,
		clock:    time.Now,
	}
}

// Pair is an issued access + refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds, for the /token JSON response
}

// Mint mints an access token, and — when issueRefresh is true (the
// client_credentials grant passes false) — a paired refresh token, for subj
// authenticating to clientID with scopes.
func (s *Service) Mint(ctx context.Context, clientID string, subj subject.Subject, scopes []string, issueRefresh bool) (Pair, error) {
	access, err := s.mintAccess(ctx, clientID, subj, scopes)
	if err != nil {
		return Pair{}, err
	}
	pair := Pair{AccessToken: access, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}
	if issueRefresh {
		refresh, err := s.mintRefresh(ctx, clientID, subj, scopes)
		if err != nil {
			return Pair{}, err
		}
		pair.RefreshToken = refresh
	}
	return pair, nil
}

func (s *Service) mintAccess(ctx context.Context, clientID string, subj subject.Subject, scopes []string) (string, error) {
	props, err := json.Marshal(subj.Properties)
	if err != nil {
		return "", fmt.Errorf("token: marshal properties: %w", err)
	}
	now := s.clock()
	claims := AccessClaims{
		Issuer:     s.cfg.Issuer,
		Subject:    subj.ID,
		Audience:   clientID,
		IssuedAt:   now.Unix(),
		Expiry:     now.Add(s.cfg.AccessTTL).Unix(),
		Mode:       ModeAccess,
		Type:       subj.Type,
		Properties: props,
		Scopes:     scopes,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}
	return s.keys.Sign(ctx, payload)
}

// VerifyOptions narrows Verify's behavior.
type VerifyOptions struct {
	// Audience, if set, must match the token's aud claim exactly. If unset,
	// any audience is accepted — the caller didn't specify one.
	Audience string
}

// Verify decodes and validates an access token: signature, issuer,
// audience, expiry, mode, and finally the subject-schema re-validation of
// its properties.
func (s *Service) Verify(ctx context.Context, accessToken string, opts VerifyOptions) (subject.Subject, error) {
	payload, err := s.keys.Verify(ctx, accessToken)
	if err != nil {
		return subject.Subject{}, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	var claims AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return subject.Subject{}, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if claims.Issuer != s.cfg.Issuer {
		return subject.Subject{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidAccessToken)
	}
	if opts.Audience != "" && claims.Audience != opts.Audience {
		return subject.Subject{}, fmt.Errorf("%w: audience mismatch", ErrInvalidAccessToken)
	}
	if s.clock().Unix() >= claims.Expiry {
		return subject.Subject{}, fmt.Errorf("%w: expired", ErrInvalidAccessToken)
	}
	if claims.Mode != ModeAccess {
		return subject.Subject{}, fmt.Errorf("%w: unexpected mode %q", ErrInvalidAccessToken, claims.Mode)
	}

	props, err := subject.Decode(s.subjects, claims.Type, claims.Properties)
	if err != nil {
		return subject.Subject{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return subject.Subject{Type: claims.Type, ID: claims.Subject, Properties: props}, nil
}
