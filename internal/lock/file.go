// Package lock provides a run-exclusivity lock backed by a file, for
// deployments without Redis.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// holder is the content of a lock file.
type holder struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLocks implements domain.LockManager with O_EXCL lock files under one
// directory. A lock whose file has not been touched for its TTL is stale and
// may be taken over. Held locks are touched periodically.
type FileLocks struct {
	dir    string
	logger *slog.Logger
}

var _ domain.LockManager = (*FileLocks)(nil)

// NewFileLocks creates the lock directory if needed.
func NewFileLocks(dir string, logger *slog.Logger) (*FileLocks, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: mkdir %s: %w", dir, err)
	}
	return &FileLocks{dir: dir, logger: logger.With(slog.String("component", "file_lock"))}, nil
}

func (l *FileLocks) path(key string) string {
	name := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(key)
	return filepath.Join(l.dir, name+".lock")
}

// Acquire takes the lock for key or returns domain.ErrLockHeld.
func (l *FileLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := l.path(key)
	h := holder{Token: uuid.NewString(), PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("lock: encode: %w", err)
	}

	// Two attempts: the second follows removal of a stale file.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(raw)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(p)
				return nil, fmt.Errorf("lock: write %s: %w", p, errors.Join(werr, cerr))
			}
			return l.hold(p, h.Token, ttl), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock: create %s: %w", p, err)
		}

		fi, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock: stat %s: %w", p, err)
		}
		if age := time.Since(fi.ModTime()); age < ttl {
			return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
		}
		l.logger.WarnContext(ctx, "removing stale lock",
			slog.String("path", p),
			slog.Duration("age", time.Since(fi.ModTime())),
		)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("lock: remove stale %s: %w", p, err)
		}
	}
	return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
}

// hold starts the heartbeat and returns the unlock function.
func (l *FileLocks) hold(p, token string, ttl time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := max(ttl/3, 10*time.Millisecond)

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				now := time.Now()
				if err := os.Chtimes(p, now, now); err != nil {
					l.logger.Warn("lock heartbeat failed", slog.String("path", p), slog.String("error", err.Error()))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if owned(p, token) {
				os.Remove(p)
			}
		})
	}
}

// owned reports whether the lock file at p still carries token.
func owned(p, token string) bool {
	raw, err := os.ReadFile(p)
	if err != nil {
		return false
	}
	var h holder
	if err := json.Unmarshal(raw, &h); err != nil {
		return false
	}
	return h.Token == token
}
