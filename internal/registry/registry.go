// Package registry tracks live client sessions and routes fan-out traffic.
//
// The registry exclusively owns the set of live sessions: a session exists
// in exactly one registry from accept until disconnect. A secondary index
// maps authenticated user ids to their session ids, so broadcasts to a
// user's other devices never touch unrelated sessions. Both indexes sit
// behind one read-heavy RWMutex.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

// Session is the registry's view of a live connection. Implemented by
// session.Session; the interface breaks the session↔registry cycle.
type Session interface {
	ID() string
	// UserID returns the authenticated user id, or "" before auth.
	UserID() string
	// SendPacket writes one pre-encoded frame. Must be safe to call from
	// any goroutine; errors are the caller's to ignore.
	SendPacket(t protocol.Type, payload []byte) error
	// LastActivity reports the last successful I/O on the connection.
	LastActivity() time.Time
	// Terminate closes the session's stream, unblocking its reader.
	Terminate(reason string)
}

// Registry indexes live sessions by id and by authenticated user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byUser   map[string]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Add registers a session. The caller enforces the connection limit before
// the session is created.
func (r *Registry) Add(s Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	total := len(r.sessions)
	r.mu.Unlock()

	slog.Debug("registry: session added", "session", s.ID(), "total", total)
}

// Remove drops a session from both indexes. Safe to call for ids that were
// already removed.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if uid := s.UserID(); uid != "" {
			r.dropUserIndexLocked(uid, id)
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if ok {
		slog.Debug("registry: session removed", "session", id, "total", total)
	}
}

// SetAuthenticated records that the session now belongs to userID, making
// it a broadcast target for that user.
func (r *Registry) SetAuthenticated(id, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[id] = struct{}{}
}

// Get returns the session with the given id, if live.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListByUser returns all authenticated sessions of a user.
func (r *Registry) ListByUser(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[userID]
	out := make([]Session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ListStale returns sessions whose last activity is before cutoff. The
// activity read is lock-free on the session side; a marginally stale value
// only delays eviction by one sweep.
func (r *Registry) ListStale(cutoff time.Time) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast encodes v once and delivers it to every matching session.
// excludeID skips the originating session; onlyUserID, when non-empty,
// restricts delivery to that user's authenticated sessions. Per-session
// send failures are swallowed — the failing session's own reader will
// observe the dead connection next. Returns the number of successful sends.
func (r *Registry) Broadcast(t protocol.Type, v any, excludeID, onlyUserID string) int {
	payload, err := protocol.Encode(v)
	if err != nil {
		slog.Error("registry: broadcast encode failed", "type", t.String(), "err", err)
		return 0
	}

	r.mu.RLock()
	var targets []Session
	if onlyUserID != "" {
		for id := range r.byUser[onlyUserID] {
			if id == excludeID {
				continue
			}
			if s, ok := r.sessions[id]; ok {
				targets = append(targets, s)
			}
		}
	} else {
		for id, s := range r.sessions {
			if id == excludeID {
				continue
			}
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.SendPacket(t, payload); err != nil {
			slog.Debug("registry: broadcast send failed", "session", s.ID(), "err", err)
			continue
		}
		sent++
	}
	return sent
}

// DisconnectAll terminates every live session. Used at shutdown after the
// listener has stopped accepting.
func (r *Registry) DisconnectAll(reason string) {
	r.mu.RLock()
	targets := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Terminate(reason)
	}
}

// dropUserIndexLocked removes one session id from the user index.
func (r *Registry) dropUserIndexLocked(userID, id string) {
	set, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}
