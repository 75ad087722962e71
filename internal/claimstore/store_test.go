package claimstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alivehq/agentpool/internal/common/logger"
)

func openTestStore(t *testing.T, dsn string) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	s, err := Open(context.Background(), dsn, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClaimIsCompareAndSet(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()

	ok, err := s.Claim(ctx, "acme-ws")
	require.NoError(t, err)
	require.True(t, ok, "first claim must win")

	ok, err = s.Claim(ctx, "acme-ws")
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose while the first is held")

	running, err := s.Running(ctx, "acme-ws")
	require.NoError(t, err)
	require.True(t, running)
}

func TestReleaseMakesKeyClaimableAgain(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()

	ok, err := s.Claim(ctx, "acme-ws")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release(ctx, "acme-ws"))

	running, err := s.Running(ctx, "acme-ws")
	require.NoError(t, err)
	require.False(t, running)

	ok, err = s.Claim(ctx, "acme-ws")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseUnclaimedKeyIsNoop(t *testing.T) {
	s := openTestStore(t, ":memory:")
	require.NoError(t, s.Release(context.Background(), "never-claimed"))
}

func TestClaimsAreIndependentPerWorkspace(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()

	ok, err := s.Claim(ctx, "ws-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, "ws-b")
	require.NoError(t, err)
	require.True(t, ok, "a held claim on ws-a must not block ws-b")
}

func TestReclaimStale(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()

	ok, err := s.Claim(ctx, "ws-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh claim survives reclamation.
	n, err := s.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	// With a zero threshold everything running is stale.
	time.Sleep(10 * time.Millisecond)
	n, err = s.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err = s.Claim(ctx, "ws-a")
	require.NoError(t, err)
	require.True(t, ok, "a reclaimed key must be claimable")
}

func TestOpenSQLiteFile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "claims.db")
	s := openTestStore(t, dsn)

	ok, err := s.Claim(context.Background(), "acme-ws")
	require.NoError(t, err)
	require.True(t, ok)
}
