package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/subject"
)

// refreshFamily scopes every refresh-token record under its subject, so a
// Scan over a subject's tree finds its whole rotation chain.
func refreshFamily(subjectID, refreshID string) kv.Key {
	return kv.Key{"oauth", "refresh", subjectID, refreshID}
}

// refreshRecord is what's actually persisted per outstanding refresh token.
// NextToken/NextAccessToken/TimeUsed together let Consume answer a replay
// within the reuse interval with the exact payload the first call produced,
// instead of re-minting — re-signing would yield a different JWS for the
// same claims, since ES256 signatures aren't deterministic, and the spec
// requires the replay's access-token payload to equal the original's.
type refreshRecord struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	ClientID   string          `json:"client_id"`
	Scopes     []string        `json:"scopes,omitempty"`

	Secret string `json:"secret"`

	NextToken       string     `json:"next_token,omitempty"`
	NextAccessToken string     `json:"next_access_token,omitempty"`
	TimeUsed        *time.Time `json:"time_used,omitempty"`
}

// opaque is the wire shape of a refresh token: <subjectID>:<refreshID>:<secret>.
// The subject and refresh IDs are plain identifiers so the record can be
// looked up without trusting the secret; the secret is the part that's
// actually compared.
type opaque struct {
	subjectID string
	refreshID string
	secret    string
}

func (o opaque) String() string {
	return o.subjectID + ":" + o.refreshID + ":" + o.secret
}

func parseOpaque(raw string) (opaque, error) {
	var o opaque
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			parts = append(parts, raw[start:i])
			start = i + 1
			if len(parts) == 2 {
				parts = append(parts, raw[start:])
				break
			}
		}
	}
	if len(parts) != 3 {
		return o, fmt.Errorf("%w: malformed", ErrInvalidRefreshToken)
	}
	o.subjectID, o.refreshID, o.secret = parts[0], parts[1], parts[2]
	if o.subjectID == "" || o.refreshID == "" || o.secret == "" {
		return o, fmt.Errorf("%w: malformed", ErrInvalidRefreshToken)
	}
	return o, nil
}

func newSecret() (string, error) {
	// 128 bits, base64url-encoded without padding.
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Service) mintRefresh(ctx context.Context, clientID string, subj subject.Subject, scopes []string) (string, error) {
	props, err := json.Marshal(subj.Properties)
	if err != nil {
		return "", fmt.Errorf("token: marshal properties: %w", err)
	}
	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	refreshID := uuid.NewString()
	rec := refreshRecord{
		Type:       subj.Type,
		Properties: props,
		ClientID:   clientID,
		Scopes:     scopes,
		Secret:     secret,
	}
	if err := s.putRecord(ctx, subj.ID, refreshID, rec); err != nil {
		return "", err
	}
	return opaque{subjectID: subj.ID, refreshID: refreshID, secret: secret}.String(), nil
}

func (s *Service) putRecord(ctx context.Context, subjectID, refreshID string, rec refreshRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("token: marshal refresh record: %w", err)
	}
	return s.store.Set(ctx, refreshFamily(subjectID, refreshID), b, s.cfg.RefreshTTL)
}

func (s *Service) getRecord(ctx context.Context, subjectID, refreshID string) (refreshRecord, error) {
	var rec refreshRecord
	b, err := s.store.Get(ctx, refreshFamily(subjectID, refreshID))
	if err != nil {
		if err == kv.ErrNotFound {
			return rec, fmt.Errorf("%w: not found", ErrInvalidRefreshToken)
		}
		return rec, fmt.Errorf("token: load refresh record: %w", err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("token: unmarshal refresh record: %w", err)
	}
	return rec, nil
}

// Consume redeems a refresh token for a fresh access/refresh token pair,
// per the rotation algorithm of spec §4.3:
//
//  1. Parse the opaque token and load its record; unknown subject/refresh
//     ID pair is ErrInvalidRefreshToken.
//  2. Compare secrets in constant time; mismatch is ErrInvalidRefreshToken.
//  3. If the record was never used, mint the next pair, record it on the
//     record (NextToken/NextAccessToken/TimeUsed = now) and return it. With
//     Retention <= 0 the record is deleted instead, so a later presentation
//     of the same token fails at step 1.
//  4. If the record was already used and it's within the reuse interval,
//     return the cached next pair unchanged — an idempotent retry, not a
//     new rotation.
//  5. If it's outside the reuse interval, this is a reuse of a
//     already-rotated token: walk the chain forward from here deleting
//     every record it led to, and report ErrInvalidRefreshToken.
func (s *Service) Consume(ctx context.Context, refreshToken string) (Pair, error) {
	tok, err := parseOpaque(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	rec, err := s.getRecord(ctx, tok.subjectID, tok.refreshID)
	if err != nil {
		return Pair{}, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.Secret), []byte(tok.secret)) != 1 {
		return Pair{}, fmt.Errorf("%w: secret mismatch", ErrInvalidRefreshToken)
	}

	now := s.clock()

	if rec.TimeUsed == nil {
		return s.rotate(ctx, tok, rec, now)
	}

	if now.Sub(*rec.TimeUsed) <= s.cfg.ReuseInterval {
		return Pair{AccessToken: rec.NextAccessToken, RefreshToken: rec.NextToken, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}, nil
	}

	// Outside the reuse window: someone is replaying an already-rotated
	// token. Invalidate the whole chain it produced.
	s.invalidateChain(ctx, tok.subjectID, rec.NextToken)
	return Pair{}, fmt.Errorf("%w: reused outside grace window", ErrInvalidRefreshToken)
}

func (s *Service) rotate(ctx context.Context, tok opaque, rec refreshRecord, now time.Time) (Pair, error) {
	props, err := subject.Decode(s.subjects, rec.Type, rec.Properties)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	subj := subject.Subject{Type: rec.Type, ID: tok.subjectID, Properties: props}

	access, err := s.mintAccess(ctx, rec.ClientID, subj, rec.Scopes)
	if err != nil {
		return Pair{}, err
	}

	if s.cfg.Retention <= 0 {
		// Rotation detection is disabled: there's no lingering window to
		// honor a replay in, so the old record is simply replaced by
		// minting the next one and dropping this one outright.
		nextToken, err := s.mintRefresh(ctx, rec.ClientID, subj, rec.Scopes)
		if err != nil {
			return Pair{}, err
		}
		if err := s.store.Remove(ctx, refreshFamily(tok.subjectID, tok.refreshID)); err != nil && err != kv.ErrNotFound {
			return Pair{}, fmt.Errorf("token: remove consumed refresh record: %w", err)
		}
		return Pair{AccessToken: access, RefreshToken: nextToken, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}, nil
	}

	nextToken, err := s.mintRefresh(ctx, rec.ClientID, subj, rec.Scopes)
	if err != nil {
		return Pair{}, err
	}

	rec.NextToken = nextToken
	rec.NextAccessToken = access
	used := now
	rec.TimeUsed = &used
	if err := s.store.Set(ctx, refreshFamily(tok.subjectID, tok.refreshID), mustMarshal(rec), s.cfg.Retention); err != nil {
		return Pair{}, fmt.Errorf("token: persist used refresh record: %w", err)
	}

	return Pair{AccessToken: access, RefreshToken: nextToken, ExpiresIn: int64(s.cfg.AccessTTL.Seconds())}, nil
}

// Invalidate drops every outstanding refresh token for subjectID, per spec
// §4.5's provider hook for a detected credential compromise (e.g. a
// password change) — it must end every other session the subject holds,
// not just roll the one in play.
func (s *Service) Invalidate(ctx context.Context, subjectID string) error {
	it, err := s.store.Scan(ctx, kv.Key{"oauth", "refresh", subjectID})
	if err != nil {
		return fmt.Errorf("token: scan refresh family: %w", err)
	}
	entries, err := kv.Collect(it)
	if err != nil {
		return fmt.Errorf("token: scan refresh family: %w", err)
	}
	for _, e := range entries {
		if err := s.store.Remove(ctx, e.Key); err != nil && err != kv.ErrNotFound {
			return fmt.Errorf("token: remove refresh record: %w", err)
		}
	}
	return nil
}

// invalidateChain walks forward from nextToken, deleting every record the
// chain produced, best-effort — a storage error here shouldn't surface
// over the ErrInvalidRefreshToken the caller's already getting back.
func (s *Service) invalidateChain(ctx context.Context, subjectID, nextToken string) {
	for nextToken != "" {
		tok, err := parseOpaque(nextToken)
		if err != nil {
			return
		}
		rec, err := s.getRecord(ctx, subjectID, tok.refreshID)
		if err != nil {
			return
		}
		if err := s.store.Remove(ctx, refreshFamily(subjectID, tok.refreshID)); err != nil && err != kv.ErrNotFound {
			s.log.Error("failed removing refresh record during reuse invalidation", "error", err)
		}
		nextToken = rec.NextToken
	}
}

func mustMarshal(rec refreshRecord) []byte {
	b, err := json.Marshal(rec)
	if err != nil {
		// refreshRecord contains only JSON-safe fields; marshal can't fail.
		panic(err)
	}
	return b
}
