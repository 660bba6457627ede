package lock

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

func newLocks(t *testing.T) *FileLocks {
	t.Helper()
	l, err := NewFileLocks(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := newLocks(t)

	unlock, err := l.Acquire(ctx, "polyledger:run", time.Hour)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "polyledger:run", time.Hour)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// Other keys are independent.
	other, err := l.Acquire(ctx, "other", time.Hour)
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.Acquire(ctx, "polyledger:run", time.Hour)
	require.NoError(t, err)
	again()
}

func TestStaleLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l := newLocks(t)
	p := l.path("run")
	require.NoError(t, os.WriteFile(p, []byte(`{"token":"dead"}`), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	unlock, err := l.Acquire(ctx, "run", time.Hour)
	require.NoError(t, err)
	assert.False(t, owned(p, "dead"))
	unlock()

	_, err = os.Stat(p)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnlockLeavesForeignLockAlone(t *testing.T) {
	ctx := context.Background()
	l := newLocks(t)
	p := l.path("run")

	unlock, err := l.Acquire(ctx, "run", time.Hour)
	require.NoError(t, err)

	// Someone took the lock over in the meantime.
	require.NoError(t, os.WriteFile(p, []byte(`{"token":"someone-else"}`), 0o644))
	unlock()

	assert.True(t, owned(p, "someone-else"))
}

func TestHeartbeatKeepsLockFresh(t *testing.T) {
	ctx := context.Background()
	l := newLocks(t)
	p := l.path("run")

	unlock, err := l.Acquire(ctx, "run", 90*time.Millisecond)
	require.NoError(t, err)
	defer unlock()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	require.Eventually(t, func() bool {
		fi, err := os.Stat(p)
		return err == nil && time.Since(fi.ModTime()) < time.Minute
	}, 2*time.Second, 10*time.Millisecond)
}
