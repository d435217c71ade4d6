package sync

import (
	stdsync "sync"

	"github.com/cockroachdb/errors"
)

// ErrScopeBusy is returned when a scope already has an operation in flight.
var ErrScopeBusy = errors.New("scope is busy")

// ScopeLocks serializes operations per scope. Different scopes never block
// each other.
type ScopeLocks struct {
	mu   stdsync.Mutex
	held map[string]struct{}
}

// NewScopeLocks returns an empty lock table.
func NewScopeLocks() *ScopeLocks {
	return &ScopeLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock of scope without waiting. The returned release
// function is idempotent.
func (l *ScopeLocks) TryAcquire(scope string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[scope]; busy {
		return nil, errors.Wrapf(ErrScopeBusy, "scope %s", scope)
	}
	l.held[scope] = struct{}{}

	var once stdsync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, scope)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether scope is currently locked.
func (l *ScopeLocks) Held(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[scope]
	return ok
}
