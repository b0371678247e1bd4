// Package gpu coordinates GPU usage: a cross-process phase lock and a
// per-process task manager for device selection and memory hygiene.
package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// Phase names a GPU-bound section serialized by the lock.
type Phase string

const (
	PhaseEmbedding Phase = "embedding"
	PhaseReranking Phase = "reranking"
	PhaseLLM       Phase = "llm"
	PhaseBatch     Phase = "batch"
)

// DefaultLockTimeout bounds the wait for the phase lock.
const DefaultLockTimeout = 15 * time.Minute

const lockPollInterval = 250 * time.Millisecond

// PhaseLock is an exclusive cross-process lock keyed on a well-known
// path. It is not fair; callers bound their waits with the timeout.
type PhaseLock struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	flock  *flock.Flock
	locked bool
}

// NewPhaseLock creates a lock at path. A zero timeout uses the
// default.
func NewPhaseLock(path string, timeout time.Duration, logger *slog.Logger) *PhaseLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PhaseLock{
		path:    path,
		timeout: timeout,
		logger:  logger,
		flock:   flock.New(path),
	}
}

// Acquire blocks until exclusive ownership or timeout. On success a
// marker describing the holder is written to the lock file.
func (l *PhaseLock) Acquire(ctx context.Context, phase Phase, docID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked {
		return dferrors.New(dferrors.ErrCodeStoreConflict, "phase lock already held by this process", nil)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(l.timeout)
	waitLogged := false
	for {
		acquired, err := l.flock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire phase lock: %w", err)
		}
		if acquired {
			break
		}

		if !waitLogged {
			l.logger.Info("gpu_lock_waiting",
				slog.String("phase", string(phase)),
				slog.String("doc_id", docID))
			waitLogged = true
		}
		if time.Now().After(deadline) {
			return dferrors.New(dferrors.ErrCodeLockTimeout,
				fmt.Sprintf("timed out waiting for GPU phase lock after %s", l.timeout), nil).
				WithDetail("phase", string(phase))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	l.locked = true
	l.writeMarker(phase, docID)
	l.logger.Debug("gpu_lock_acquired",
		slog.String("phase", string(phase)),
		slog.String("doc_id", docID))
	return nil
}

// writeMarker records holder identity in the lock file. Best effort;
// the flock, not the content, carries the exclusion.
func (l *PhaseLock) writeMarker(phase Phase, docID string) {
	marker := fmt.Sprintf("pid=%d phase=%s doc_id=%s acquired_at=%s\n",
		os.Getpid(), phase, docID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(l.path, []byte(marker), 0o644); err != nil {
		l.logger.Warn("gpu_lock_marker_write_failed", slog.String("error", err.Error()))
	}
}

// Release unlocks. Safe to call repeatedly or without holding.
func (l *PhaseLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.locked {
		return
	}
	if err := l.flock.Unlock(); err != nil {
		l.logger.Warn("gpu_lock_release_failed", slog.String("error", err.Error()))
	}
	l.locked = false
	l.logger.Debug("gpu_lock_released")
}

// Held reports whether this process holds the lock.
func (l *PhaseLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Path returns the lock file path.
func (l *PhaseLock) Path() string { return l.path }

// WithLock runs fn while holding the phase lock, releasing on every
// exit path.
func (l *PhaseLock) WithLock(ctx context.Context, phase Phase, docID string, fn func() error) error {
	if err := l.Acquire(ctx, phase, docID); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
