package token

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/keys"
	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/subject"
)

type userProps struct {
	Email string `json:"email"`
}

func newTestService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)

	km := keys.New(store, keys.Config{}, logger)

	registry := subject.NewRegistry()
	subject.Register[userProps](registry, "user", subject.SchemaFunc[userProps](func(v any) (userProps, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return userProps{}, err
		}
		var p userProps
		if err := json.Unmarshal(b, &p); err != nil {
			return userProps{}, err
		}
		return p, nil
	}))

	svc := New(Config{Issuer: "https://issuer.example"}, km, registry, store, logger)
	if now != nil {
		svc.clock = now
	}
	return svc
}

func testSubject() subject.Subject {
	return subject.Subject{Type: "user", ID: "user-1", Properties: userProps{Email: "a@example.com"}}
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "client-1", testSubject(), []string{"profile"}, true)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	subj, err := svc.Verify(ctx, pair.AccessToken, VerifyOptions{Audience: "client-1"})
	require.NoError(t, err)
	require.Equal(t, "user-1", subj.ID)
	require.Equal(t, "user", subj.Type)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "client-1", testSubject(), nil, false)
	require.NoError(t, err)
	require.Empty(t, pair.RefreshToken)

	_, err = svc.Verify(ctx, pair.AccessToken, VerifyOptions{Audience: "client-2"})
	require.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	base := time.Now()
	cur := base
	svc := newTestService(t, func() time.Time { return cur })

	ctx := context.Background()
	pair, err := svc.Mint(ctx, "client-1", testSubject(), nil, false)
	require.NoError(t, err)

	cur = base.Add(time.Hour)
	_, err = svc.Verify(ctx, pair.AccessToken, VerifyOptions{})
	require.ErrorIs(t, err, ErrInvalidAccessToken)
}
