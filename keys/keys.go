// Package keys implements the Key Manager: ES256 keypair generation,
// persistence under oauth:key/<id>, JWKS publication, and active-signer
// selection, the way dexidp/dex's server/signer package manages rotating
// JSON Web Keys over its storage interface.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/dexidp/openauth/kv"
)

// keyFamily is the storage key prefix for signing keys, per spec §3.1.
var keyFamily = kv.Key{"oauth", "key"}

// ErrUnknownKey is returned by Verify when a token's kid does not match any
// key currently published in JWKS.
var ErrUnknownKey = errors.New("keys: unknown signing key")

// record is the persisted shape of one signing key.
type record struct {
	ID        string          `json:"id"`
	Public    json.RawMessage `json:"public"`
	Private   json.RawMessage `json:"private"`
	Algorithm string          `json:"algorithm"`
	CreatedAt time.Time       `json:"createdAt"`
	Retired   bool            `json:"retired"`
}

// Manager generates, persists, publishes, and rotates ES256 signing keys.
// Cold starts re-load existing keys from storage rather than generating a
// fresh one, so tokens signed before a restart continue to verify.
//
// The active signer is whichever non-retired key has the greatest
// CreatedAt; RefreshInterval bounds how often Manager re-reads storage to
// notice a newly written key becoming eligible, per spec §4.2 ("minimum
// hour").
type Manager struct {
	store kv.Store
	clock func() time.Time
	log   *slog.Logger

	mu              sync.Mutex
	cache           []record
	cachedAt        time.Time
	refreshInterval time.Duration
}

// Config configures the Manager.
type Config struct {
	// RefreshInterval bounds how often the in-process key cache is
	// refreshed from storage. Defaults to one hour, the minimum spec §4.2
	// allows.
	RefreshInterval time.Duration
}

// New constructs a Manager over store.
func New(store kv.Store, cfg Config, log *slog.Logger) *Manager {
	interval := cfg.RefreshInterval
	if interval < time.Hour {
		interval = time.Hour
	}
	return &Manager{
		store:           store,
		clock:           time.Now,
		log:             log,
		refreshInterval: interval,
	}
}

func (m *Manager) records(ctx context.Context) ([]record, error) {
	m.mu.Lock()
	fresh := !m.cachedAt.IsZero() && m.clock().Sub(m.cachedAt) < m.refreshInterval
	cached := m.cache
	m.mu.Unlock()
	if fresh {
		return cached, nil
	}

	it, err := m.store.Scan(ctx, keyFamily)
	if err != nil {
		return nil, fmt.Errorf("keys: scan: %w", err)
	}
	entries, err := kv.Collect(it)
	if err != nil {
		return nil, fmt.Errorf("keys: scan: %w", err)
	}
	recs := make([]record, 0, len(entries))
	for _, e := range entries {
		var r record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			m.log.Error("keys: skipping corrupt key record", "key", e.Key.Join(), "err", err)
			continue
		}
		recs = append(recs, r)
	}

	m.mu.Lock()
	m.cache = recs
	m.cachedAt = m.clock()
	m.mu.Unlock()
	return recs, nil
}

func (m *Manager) invalidateCache() {
	m.mu.Lock()
	m.cachedAt = time.Time{}
	m.mu.Unlock()
}

// active returns the current active signer: the greatest-CreatedAt record
// that is not retired. It generates and persists one lazily if none exists.
func (m *Manager) active(ctx context.Context) (record, error) {
	recs, err := m.records(ctx)
	if err != nil {
		return record{}, err
	}

	var best *record
	for i := range recs {
		if recs[i].Retired {
			continue
		}
		if best == nil || recs[i].CreatedAt.After(best.CreatedAt) {
			best = &recs[i]
		}
	}
	if best != nil {
		return *best, nil
	}

	m.log.Info("keys: no active signing key, generating one")
	r, err := m.generate(ctx)
	if err != nil {
		return record{}, err
	}
	return r, nil
}

func (m *Manager) generate(ctx context.Context) (record, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return record{}, fmt.Errorf("keys: generate: %w", err)
	}
	id := uuid.NewString()

	privJWK := jose.JSONWebKey{Key: priv, KeyID: id, Algorithm: string(jose.ES256), Use: "sig"}
	pubJWK := jose.JSONWebKey{Key: priv.Public(), KeyID: id, Algorithm: string(jose.ES256), Use: "sig"}

	privRaw, err := privJWK.MarshalJSON()
	if err != nil {
		return record{}, fmt.Errorf("keys: marshal private: %w", err)
	}
	pubRaw, err := pubJWK.MarshalJSON()
	if err != nil {
		return record{}, fmt.Errorf("keys: marshal public: %w", err)
	}

	r := record{
		ID:        id,
		Public:    pubRaw,
		Private:   privRaw,
		Algorithm: string(jose.ES256),
		CreatedAt: m.clock(),
	}
	b, err := json.Marshal(r)
	if err != nil {
		return record{}, fmt.Errorf("keys: marshal record: %w", err)
	}
	if err := m.store.Set(ctx, append(keyFamily, id), b, 0); err != nil {
		return record{}, fmt.Errorf("keys: persist: %w", err)
	}
	m.invalidateCache()
	return r, nil
}

// Sign signs payload with the active key and returns a compact JWS.
func (m *Manager) Sign(ctx context.Context, payload []byte) (string, error) {
	active, err := m.active(ctx)
	if err != nil {
		return "", err
	}
	var priv jose.JSONWebKey
	if err := priv.UnmarshalJSON(active.Private); err != nil {
		return "", fmt.Errorf("keys: unmarshal private: %w", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: priv}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": active.ID},
	})
	if err != nil {
		return "", fmt.Errorf("keys: new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("keys: sign: %w", err)
	}
	return sig.CompactSerialize()
}

// Verify locates the key whose kid matches the token's header, verifies its
// signature, and returns the payload.
func (m *Manager) Verify(ctx context.Context, compact string) ([]byte, error) {
	sig, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("keys: parse jws: %w", err)
	}
	if len(sig.Signatures) == 0 {
		return nil, fmt.Errorf("keys: no signatures")
	}
	kid := sig.Signatures[0].Header.KeyID

	recs, err := m.records(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.ID != kid {
			continue
		}
		var pub jose.JSONWebKey
		if err := pub.UnmarshalJSON(r.Public); err != nil {
			return nil, fmt.Errorf("keys: unmarshal public: %w", err)
		}
		return sig.Verify(pub)
	}
	return nil, ErrUnknownKey
}

// JWKS returns the public JWK set: every non-pruned key, active or
// previously-active, so in-flight tokens keep verifying across rotations.
func (m *Manager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	recs, err := m.records(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(recs))}
	for _, r := range recs {
		var pub jose.JSONWebKey
		if err := pub.UnmarshalJSON(r.Public); err != nil {
			m.log.Error("keys: skipping corrupt public key", "id", r.ID, "err", err)
			continue
		}
		set.Keys = append(set.Keys, pub)
	}
	return set, nil
}

// Retire marks id as no longer eligible to be the active signer. It remains
// published in JWKS until Prune removes it.
func (m *Manager) Retire(ctx context.Context, id string) error {
	return m.update(ctx, id, func(r *record) { r.Retired = true })
}

// Prune permanently removes a key from storage and JWKS. Callers must only
// prune keys old enough that no outstanding token could still reference
// them.
func (m *Manager) Prune(ctx context.Context, id string) error {
	if err := m.store.Remove(ctx, append(keyFamily, id)); err != nil {
		return fmt.Errorf("keys: prune: %w", err)
	}
	m.invalidateCache()
	return nil
}

func (m *Manager) update(ctx context.Context, id string, f func(*record)) error {
	recs, err := m.records(ctx)
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID != id {
			continue
		}
		f(&recs[i])
		b, err := json.Marshal(recs[i])
		if err != nil {
			return fmt.Errorf("keys: marshal record: %w", err)
		}
		if err := m.store.Set(ctx, append(keyFamily, id), b, 0); err != nil {
			return fmt.Errorf("keys: persist: %w", err)
		}
		m.invalidateCache()
		return nil
	}
	return ErrUnknownKey
}
