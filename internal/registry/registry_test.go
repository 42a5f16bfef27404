package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

// fakeSession records delivered packets; it implements the Session interface
// without any real connection.
type fakeSession struct {
	id     string
	userID string

	mu         sync.Mutex
	packets    []protocol.Type
	terminated string
	sendErr    error
	activity   time.Time
}

func newFakeSession(id, userID string) *fakeSession {
	return &fakeSession{id: id, userID: userID, activity: time.Now()}
}

func (f *fakeSession) ID() string     { return f.id }
func (f *fakeSession) UserID() string { return f.userID }

func (f *fakeSession) SendPacket(t protocol.Type, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.packets = append(f.packets, t)
	return nil
}

func (f *fakeSession) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity
}

func (f *fakeSession) Terminate(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = reason
}

func (f *fakeSession) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

// addAuthed registers a session and marks it authenticated for its user.
func addAuthed(t *testing.T, r *Registry, s *fakeSession) {
	t.Helper()
	r.Add(s)
	if s.userID != "" {
		r.SetAuthenticated(s.id, s.userID)
	}
}

func TestAddRemoveGet(t *testing.T) {
	r := New()
	s := newFakeSession("s1", "")

	r.Add(s)
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if got, ok := r.Get("s1"); !ok || got.ID() != "s1" {
		t.Fatal("Get failed after Add")
	}

	r.Remove("s1")
	if r.Len() != 0 {
		t.Errorf("Len = %d after Remove", r.Len())
	}
	if _, ok := r.Get("s1"); ok {
		t.Error("Get succeeded after Remove")
	}

	// Double remove is a no-op.
	r.Remove("s1")
}

func TestUserIndex(t *testing.T) {
	r := New()
	a1 := newFakeSession("a1", "alice")
	a2 := newFakeSession("a2", "alice")
	b1 := newFakeSession("b1", "bob")
	addAuthed(t, r, a1)
	addAuthed(t, r, a2)
	addAuthed(t, r, b1)

	if got := len(r.ListByUser("alice")); got != 2 {
		t.Errorf("alice sessions = %d, want 2", got)
	}
	if got := len(r.ListByUser("bob")); got != 1 {
		t.Errorf("bob sessions = %d, want 1", got)
	}

	r.Remove("a1")
	if got := len(r.ListByUser("alice")); got != 1 {
		t.Errorf("alice sessions after remove = %d, want 1", got)
	}
	r.Remove("a2")
	if got := len(r.ListByUser("alice")); got != 0 {
		t.Errorf("alice sessions after removing all = %d, want 0", got)
	}
}

// An unauthenticated session must never become a broadcast target.
func TestUnauthenticatedNotIndexed(t *testing.T) {
	r := New()
	r.Add(newFakeSession("s1", ""))

	if got := len(r.ListByUser("")); got != 0 {
		t.Errorf("empty user id indexed %d sessions", got)
	}
}

func TestBroadcastToUserExcludingOrigin(t *testing.T) {
	r := New()
	origin := newFakeSession("origin", "alice")
	sibling := newFakeSession("sibling", "alice")
	stranger := newFakeSession("stranger", "bob")
	addAuthed(t, r, origin)
	addAuthed(t, r, sibling)
	addAuthed(t, r, stranger)

	sent := r.Broadcast(protocol.TypeClipboardBroadcast,
		&protocol.ClipboardBroadcast{FromDevice: "laptop"}, "origin", "alice")

	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if origin.received() != 0 {
		t.Error("origin received its own broadcast")
	}
	if sibling.received() != 1 {
		t.Errorf("sibling received %d packets, want 1", sibling.received())
	}
	if stranger.received() != 0 {
		t.Error("another user's session received the broadcast")
	}
}

// A user with a single device gets no fan-out at all.
func TestBroadcastSingleDevice(t *testing.T) {
	r := New()
	only := newFakeSession("only", "alice")
	addAuthed(t, r, only)

	sent := r.Broadcast(protocol.TypeClipboardBroadcast,
		&protocol.ClipboardBroadcast{}, "only", "alice")
	if sent != 0 || only.received() != 0 {
		t.Errorf("sent = %d, received = %d, want 0/0", sent, only.received())
	}
}

// Send failures are swallowed and do not stop delivery to other sessions.
func TestBroadcastSurvivesSendFailure(t *testing.T) {
	r := New()
	dead := newFakeSession("dead", "alice")
	dead.sendErr = errClosed
	live := newFakeSession("live", "alice")
	addAuthed(t, r, dead)
	addAuthed(t, r, live)

	sent := r.Broadcast(protocol.TypeClipboardBroadcast,
		&protocol.ClipboardBroadcast{}, "", "alice")
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if live.received() != 1 {
		t.Error("healthy session missed the broadcast")
	}
}

func TestListStale(t *testing.T) {
	r := New()
	fresh := newFakeSession("fresh", "")
	idle := newFakeSession("idle", "")
	idle.activity = time.Now().Add(-5 * time.Minute)
	r.Add(fresh)
	r.Add(idle)

	stale := r.ListStale(time.Now().Add(-2 * time.Minute))
	if len(stale) != 1 || stale[0].ID() != "idle" {
		t.Errorf("stale = %v", ids(stale))
	}
}

func TestDisconnectAll(t *testing.T) {
	r := New()
	s1 := newFakeSession("s1", "alice")
	s2 := newFakeSession("s2", "")
	addAuthed(t, r, s1)
	r.Add(s2)

	r.DisconnectAll("shutting down")

	for _, s := range []*fakeSession{s1, s2} {
		s.mu.Lock()
		reason := s.terminated
		s.mu.Unlock()
		if reason != "shutting down" {
			t.Errorf("session %s not terminated (reason %q)", s.id, reason)
		}
	}
}

// errClosed stands in for any transport error.
var errClosed = errors.New("use of closed connection")

func ids(sessions []Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID()
	}
	return out
}
