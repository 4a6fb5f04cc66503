package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sublexa/sublexa/internal/server"
)

// ErrDraining is returned to sessions that arrive while the server is
// shutting down.
var ErrDraining = errors.New("server is draining; not accepting new sessions")

// sessionEntry pairs a session's identity with the handle that can
// force-close it.
type sessionEntry struct {
	info   server.SessionInfo
	cancel context.CancelFunc
}

// SessionRegistry tracks live caption sessions. The server reports every
// session start and end through the [server.SessionTracker] interface;
// shutdown uses the registry to refuse newcomers, wait for stragglers,
// and force-close whatever outlives the drain deadline.
//
// All methods are safe for concurrent use.
type SessionRegistry struct {
	mu       sync.Mutex
	entries  map[string]sessionEntry
	draining bool
	empty    chan struct{} // closed when a drain reaches zero sessions
}

// NewSessionRegistry returns an empty registry accepting sessions.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		entries: make(map[string]sessionEntry),
		empty:   make(chan struct{}),
	}
}

var _ server.SessionTracker = (*SessionRegistry)(nil)

// SessionStarted registers a live session. It fails with [ErrDraining]
// once a drain has begun, which the server maps to a plain 503.
func (r *SessionRegistry) SessionStarted(info server.SessionInfo, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	r.entries[info.ID] = sessionEntry{info: info, cancel: cancel}
	return nil
}

// SessionEnded removes a finished session.
func (r *SessionRegistry) SessionEnded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	if r.draining && len(r.entries) == 0 {
		r.closeEmptyLocked()
	}
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the live sessions ordered by start time.
func (r *SessionRegistry) Snapshot() []server.SessionInfo {
	r.mu.Lock()
	out := make([]server.SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b server.SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Drain refuses new sessions and waits for the live ones to finish on
// their own — clients get their remaining captions instead of a dropped
// socket. When ctx expires first, the stragglers are force-closed and the
// context error is returned.
func (r *SessionRegistry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	if len(r.entries) == 0 {
		r.closeEmptyLocked()
	}
	r.mu.Unlock()

	select {
	case <-r.empty:
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	n := len(r.entries)
	for _, e := range r.entries {
		e.cancel()
	}
	r.mu.Unlock()
	return fmt.Errorf("app: %d sessions force-closed at drain deadline: %w", n, ctx.Err())
}

// closeEmptyLocked signals drain completion once. Callers hold r.mu.
func (r *SessionRegistry) closeEmptyLocked() {
	select {
	case <-r.empty:
	default:
		close(r.empty)
	}
}
