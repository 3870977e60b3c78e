package repository

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
)

// sessionLock wraps a cross-process advisory lock on a session directory's
// lock file. OpenSession takes it exclusively for the writer that creates
// the session's files; MarkSent and Purge do not take it. Upload's
// read-only scan never takes it, per spec §4.3's "readers never take the
// write lock" rule.
type sessionLock struct {
	fl *flock.Flock
}

func newSessionLock(dir string) *sessionLock {
	return &sessionLock{fl: flock.New(filepath.Join(dir, lockFileName))}
}

// acquire blocks (polling) until the lock is held or deadline elapses.
func (l *sessionLock) acquire(ctx context.Context, deadline time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ok, err := l.fl.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return agenterrors.Wrap(agenterrors.CodeRepositoryLocked, "acquire session lock", err)
	}
	if !ok {
		return agenterrors.New(agenterrors.CodeRepositoryLocked, "session lock busy")
	}
	return nil
}

func (l *sessionLock) release() error {
	return l.fl.Unlock()
}
