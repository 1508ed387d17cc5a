package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConsumeRotatesToken(t *testing.T) {
	base := time.Now()
	cur := base
	svc := newTestService(t, func() time.Time { return cur })
	svc.cfg.Retention = time.Minute
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "client-1", testSubject(), nil, true)
	require.NoError(t, err)

	rotated, err := svc.Consume(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, rotated.AccessToken)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
}

func TestConsumeWithinReuseIntervalIsIdempotent(t *testing.T) {
	base := time.Now()
	cur := base
	svc := newTestService(t, func() time.Time { return cur })
	svc.cfg.Retention = time.Minute
	svc.cfg.ReuseInterval = 30 * time.Second
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "client-1", testSubject(), nil, true)
	require.NoError(t, err)

	first, err := svc.Consume(ctx, pair.RefreshToken)
	require.NoError(t, err)

	cur = cur.Add(10 * time.Second)
	second, err := svc.Consume(ctx, pair.RefreshToken)
	require.NoError(t, err)

	require.Equal(t, first.AccessToken, second.AccessToken)
	require.Equal(t, first.RefreshToken, second.RefreshToken)
}

func TestConsumeOutsideReuseIntervalInvalidatesChain(t *testing.T) {
	base := time.Now()
	cur := base
	svc := newTestService(t, func() time.Time { return cur })
	svc.cfg.Retention = time.Hour
	svc.cfg.ReuseInterval = 30 * time.Second
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "client-1", testSubject(), nil, true)
	require.NoError(t, err)

	rotated, err := svc.Consume(ctx, pair.RefreshToken)
	require.NoError(t, err)

	cur = cur.Add(time.Minute)
	_, err = svc.Consume(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The rotated token the reused one produced is invalidated too.
	_, err = svc.Consume(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConsumeRejectsUnknownToken(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Consume(context.Background(), "user-1:nonexistent:secret")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConsumeRejectsMalformedToken(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Consume(context.Background(), "not-an-opaque-token")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConsumeDisabledRotationDeletesImmediately(t *testing.T) {
	svc := newTestService(t, nil)
	svc.cfg.Retention = 0
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "client-1", testSubject(), nil, true)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// The original token's record is gone, so reusing it is rejected outright.
	_, err = svc.Consume(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}
