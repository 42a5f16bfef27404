package session

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/metrics"
	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/registry"
	"go.krypton.dev/krypton/internal/store"
	"go.krypton.dev/krypton/internal/tlsconf"
	"go.krypton.dev/krypton/internal/wire"
)

const readTimeout = 3 * time.Second

// harness owns the server-side collaborators shared by all sessions in one
// test.
type harness struct {
	st  *store.Store
	reg *registry.Registry
	cfg Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	return &harness{
		st:  st,
		reg: reg,
		cfg: Config{
			ServerVersion: "1.0.0",
			Auth:          auth.New(st),
			Store:         st,
			Broadcaster:   reg,
			Metrics:       metrics.New(),
		},
	}
}

// dial starts a session over an in-memory pipe and returns the client end.
// The server hello is left unread.
func (h *harness) dial(t *testing.T) *wire.Conn {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()

	sess := New(serverEnd, h.cfg)
	h.reg.Add(sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
		h.reg.Remove(sess.ID())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := wire.New(clientEnd)
	t.Cleanup(func() { c.Close() })
	return c
}

// readMsg reads one frame with a deadline and decodes it into v.
func readMsg(t *testing.T, c *wire.Conn, want protocol.Type, v any) {
	t.Helper()
	c.SetReadDeadline(readTimeout)
	ptype, payload, err := c.ReadPacket()
	if err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	if ptype != want {
		t.Fatalf("got %s, want %s (payload %q)", ptype, want, payload)
	}
	if v != nil {
		if err := protocol.Decode(payload, v); err != nil {
			t.Fatalf("decode %s: %v", want, err)
		}
	}
}

func writeMsg(t *testing.T, c *wire.Conn, ptype protocol.Type, v any) {
	t.Helper()
	if err := c.WriteMsg(ptype, v); err != nil {
		t.Fatalf("write %s: %v", ptype, err)
	}
}

// connect consumes the hello and completes the Connect handshake.
func connect(t *testing.T, c *wire.Conn, device string) {
	t.Helper()
	readMsg(t, c, protocol.TypeServerHello, nil)
	writeMsg(t, c, protocol.TypeConnect, &protocol.Connect{
		ClientVersion: "1.0.0",
		Platform:      "test",
		DeviceID:      device,
		DeviceName:    device,
	})
	var ack protocol.ConnectAck
	readMsg(t, c, protocol.TypeConnectAck, &ack)
	if !ack.RequiresAuth {
		t.Fatal("server must require auth")
	}
}

// register authenticates via AuthRegister and returns the minted key.
func register(t *testing.T, c *wire.Conn, username string) string {
	t.Helper()
	writeMsg(t, c, protocol.TypeAuthRegister, &protocol.AuthRegister{
		Username: username,
		Password: "correct-horse",
	})
	var resp protocol.AuthResponse
	readMsg(t, c, protocol.TypeAuthResponse, &resp)
	if !resp.Success {
		t.Fatalf("register failed: %s", resp.Message)
	}
	if resp.ApiKey == "" {
		t.Fatal("registration must mint an api key")
	}
	return resp.ApiKey
}

// authKey authenticates an already-connected client with an API key.
func authKey(t *testing.T, c *wire.Conn, key string) {
	t.Helper()
	writeMsg(t, c, protocol.TypeAuthApiKey, &protocol.AuthApiKey{ApiKey: key})
	var resp protocol.AuthResponse
	readMsg(t, c, protocol.TypeAuthResponse, &resp)
	if !resp.Success {
		t.Fatalf("key auth failed: %s", resp.Message)
	}
}

// The hello must arrive before the client sends anything, and the handshake
// must complete on a plaintext stream when TLS is not required.
func TestHelloThenConnect(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	var hello protocol.ServerHello
	readMsg(t, c, protocol.TypeServerHello, &hello)
	if hello.ServerVersion != "1.0.0" {
		t.Errorf("server version = %q", hello.ServerVersion)
	}
	if hello.TLSAvailable || hello.TLSRequired {
		t.Errorf("unexpected TLS advertisement: %+v", hello)
	}

	writeMsg(t, c, protocol.TypeConnect, &protocol.Connect{DeviceName: "laptop"})
	var ack protocol.ConnectAck
	readMsg(t, c, protocol.TypeConnectAck, &ack)
	if ack.ServerVersion != "1.0.0" || !ack.RequiresAuth {
		t.Errorf("connect ack = %+v", ack)
	}
}

// Clipboard operations before authentication are rejected without killing
// the session.
func TestAuthGate(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	connect(t, c, "laptop")

	writeMsg(t, c, protocol.TypeClipboardPush, &protocol.ClipboardPush{
		Entry: protocol.Entry{ContentType: protocol.ContentText, Content: []byte("nope")},
	})
	var er protocol.ErrorResponse
	readMsg(t, c, protocol.TypeErrorResponse, &er)
	if er.Code != "AUTH_REQUIRED" {
		t.Errorf("code = %q, want AUTH_REQUIRED", er.Code)
	}

	// The session survived the rejection: auth still works.
	register(t, c, "alice")
}

// The gate applies in GREETED too: a clipboard packet straight after the
// hello is rejected without terminating the session.
func TestAuthGateBeforeConnect(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	readMsg(t, c, protocol.TypeServerHello, nil)

	writeMsg(t, c, protocol.TypeClipboardPush, &protocol.ClipboardPush{
		Entry: protocol.Entry{ContentType: protocol.ContentText, Content: []byte("nope")},
	})
	var er protocol.ErrorResponse
	readMsg(t, c, protocol.TypeErrorResponse, &er)
	if er.Code != "AUTH_REQUIRED" {
		t.Errorf("code = %q, want AUTH_REQUIRED", er.Code)
	}

	// Still in GREETED: the normal handshake proceeds.
	writeMsg(t, c, protocol.TypeConnect, &protocol.Connect{DeviceName: "laptop"})
	var ack protocol.ConnectAck
	readMsg(t, c, protocol.TypeConnectAck, &ack)
	register(t, c, "alice")
}

// A push is persisted, acked to the originator, and fanned out to the same
// user's other device — and only to it.
func TestPushFanout(t *testing.T) {
	h := newHarness(t)

	origin := h.dial(t)
	connect(t, origin, "laptop")
	key := register(t, origin, "alice")

	sibling := h.dial(t)
	connect(t, sibling, "phone")
	authKey(t, sibling, key)

	content := []byte("shared text")
	writeMsg(t, origin, protocol.TypeClipboardPush, &protocol.ClipboardPush{
		Entry: protocol.Entry{ContentType: protocol.ContentText, Content: content},
	})

	var ack protocol.ClipboardPushAck
	readMsg(t, origin, protocol.TypeClipboardPushAck, &ack)
	if !ack.Success || ack.EntryID == "" {
		t.Fatalf("push ack = %+v", ack)
	}

	var bc protocol.ClipboardBroadcast
	readMsg(t, sibling, protocol.TypeClipboardBroadcast, &bc)
	if string(bc.Entry.Content) != string(content) {
		t.Errorf("broadcast content = %q", bc.Entry.Content)
	}
	if bc.Entry.ID != ack.EntryID {
		t.Errorf("broadcast entry id = %s, want %s", bc.Entry.ID, ack.EntryID)
	}
	if bc.FromDevice != "laptop" {
		t.Errorf("from device = %q", bc.FromDevice)
	}
	if bc.Entry.ContentHash == "" {
		t.Error("broadcast must carry the content hash")
	}

	// Durable: visible via pull on the sibling.
	writeMsg(t, sibling, protocol.TypeClipboardPull, &protocol.ClipboardPull{Limit: 10})
	var hist protocol.ClipboardHistory
	readMsg(t, sibling, protocol.TypeClipboardHistory, &hist)
	if hist.TotalCount != 1 || len(hist.Entries) != 1 {
		t.Fatalf("history = %+v", hist)
	}
}

// Another user's session must never see the broadcast.
func TestPushDoesNotCrossUsers(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	connect(t, alice, "laptop")
	register(t, alice, "alice")

	bob := h.dial(t)
	connect(t, bob, "desktop")
	register(t, bob, "bob")

	writeMsg(t, alice, protocol.TypeClipboardPush, &protocol.ClipboardPush{
		Entry: protocol.Entry{ContentType: protocol.ContentText, Content: []byte("private")},
	})
	var ack protocol.ClipboardPushAck
	readMsg(t, alice, protocol.TypeClipboardPushAck, &ack)

	// Bob's next server-initiated frame (if any) would be the leaked
	// broadcast; prove there is none by completing a round-trip instead.
	writeMsg(t, bob, protocol.TypeClipboardPull, &protocol.ClipboardPull{Limit: 10})
	var hist protocol.ClipboardHistory
	readMsg(t, bob, protocol.TypeClipboardHistory, &hist)
	if hist.TotalCount != 0 {
		t.Errorf("bob sees %d foreign entries", hist.TotalCount)
	}
}

func TestHistorySearchMoveDelete(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	connect(t, c, "laptop")
	register(t, c, "alice")

	var ids []string
	for _, text := range []string{"alpha", "beta", "gamma"} {
		writeMsg(t, c, protocol.TypeClipboardPush, &protocol.ClipboardPush{
			Entry: protocol.Entry{ContentType: protocol.ContentText, Content: []byte(text)},
		})
		var ack protocol.ClipboardPushAck
		readMsg(t, c, protocol.TypeClipboardPushAck, &ack)
		ids = append(ids, ack.EntryID)
	}

	writeMsg(t, c, protocol.TypeClipboardSearch, &protocol.ClipboardSearch{Query: "BETA", Limit: 10})
	var sr protocol.ClipboardSearchResult
	readMsg(t, c, protocol.TypeClipboardSearchResult, &sr)
	if sr.TotalMatches != 1 || len(sr.Entries) != 1 {
		t.Fatalf("search = %+v", sr)
	}
	if sr.Entries[0].ContentPreview != "beta" {
		t.Errorf("match = %q", sr.Entries[0].ContentPreview)
	}

	writeMsg(t, c, protocol.TypeClipboardMoveToTop, &protocol.ClipboardMoveToTop{EntryID: ids[0]})
	var mta protocol.ClipboardMoveToTopAck
	readMsg(t, c, protocol.TypeClipboardMoveToTopAck, &mta)
	if !mta.Success {
		t.Fatalf("move to top: %s", mta.Message)
	}

	writeMsg(t, c, protocol.TypeClipboardDelete, &protocol.ClipboardDelete{EntryID: ids[1]})
	var da protocol.ClipboardDeleteAck
	readMsg(t, c, protocol.TypeClipboardDeleteAck, &da)
	if !da.Success {
		t.Fatalf("delete: %s", da.Message)
	}

	// Deleting again reports not-found without leaking whose entry it was.
	writeMsg(t, c, protocol.TypeClipboardDelete, &protocol.ClipboardDelete{EntryID: ids[1]})
	readMsg(t, c, protocol.TypeClipboardDeleteAck, &da)
	if da.Success || da.Message != "Entry not found" {
		t.Errorf("second delete ack = %+v", da)
	}
}

// A packet outside the state machine's expectations closes the session after
// one error frame.
func TestOutOfOrderTerminates(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	readMsg(t, c, protocol.TypeServerHello, nil)

	// AuthLogin before Connect.
	writeMsg(t, c, protocol.TypeAuthLogin, &protocol.AuthLogin{Username: "x", Password: "y"})
	var er protocol.ErrorResponse
	readMsg(t, c, protocol.TypeErrorResponse, &er)
	if er.Code != "OUT_OF_ORDER" {
		t.Errorf("code = %q", er.Code)
	}

	c.SetReadDeadline(readTimeout)
	if _, _, err := c.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after violation, got %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	connect(t, c, "laptop")

	// Allowed before auth so half-configured clients are not swept.
	writeMsg(t, c, protocol.TypeHeartbeat, nil)
	readMsg(t, c, protocol.TypeHeartbeatAck, nil)

	register(t, c, "alice")
	writeMsg(t, c, protocol.TypeHeartbeat, nil)
	readMsg(t, c, protocol.TypeHeartbeatAck, nil)
}

func TestHeartbeatBeforeConnectIsOutOfOrder(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	readMsg(t, c, protocol.TypeServerHello, nil)

	writeMsg(t, c, protocol.TypeHeartbeat, nil)
	var er protocol.ErrorResponse
	readMsg(t, c, protocol.TypeErrorResponse, &er)
	if er.Code != "OUT_OF_ORDER" {
		t.Errorf("code = %q", er.Code)
	}
}

func TestClientDisconnect(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	connect(t, c, "laptop")

	writeMsg(t, c, protocol.TypeDisconnect, &protocol.Disconnect{Reason: "bye"})

	c.SetReadDeadline(readTimeout)
	if _, _, err := c.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after disconnect, got %v", err)
	}
}

// In-band upgrade: StartTls ack arrives in plaintext, then both sides
// handshake, then the normal Connect flow continues over TLS.
func TestStartTlsUpgrade(t *testing.T) {
	h := newHarness(t)
	tlsCfg, _, err := tlsconf.SelfSigned("localhost", time.Hour)
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	h.cfg.TLSConfig = tlsCfg

	c := h.dial(t)

	var hello protocol.ServerHello
	readMsg(t, c, protocol.TypeServerHello, &hello)
	if !hello.TLSAvailable {
		t.Fatal("server must advertise TLS")
	}

	writeMsg(t, c, protocol.TypeStartTls, nil)
	var ack protocol.StartTlsAck
	readMsg(t, c, protocol.TypeStartTlsAck, &ack)
	if !ack.Success {
		t.Fatalf("starttls refused: %s", ack.Message)
	}

	if err := c.UpgradeClient(tlsconf.Client("localhost", true)); err != nil {
		t.Fatalf("UpgradeClient: %v", err)
	}
	if !c.TLSEnabled() {
		t.Fatal("client conn not marked TLS")
	}

	// Full flow over the encrypted stream.
	writeMsg(t, c, protocol.TypeConnect, &protocol.Connect{DeviceName: "laptop"})
	var cack protocol.ConnectAck
	readMsg(t, c, protocol.TypeConnectAck, &cack)
	register(t, c, "alice")
}

// With TLS required, a plaintext Connect is rejected fatally.
func TestTLSRequiredRejectsPlaintext(t *testing.T) {
	h := newHarness(t)
	tlsCfg, _, err := tlsconf.SelfSigned("localhost", time.Hour)
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	h.cfg.TLSConfig = tlsCfg
	h.cfg.TLSRequired = true

	c := h.dial(t)
	readMsg(t, c, protocol.TypeServerHello, nil)

	writeMsg(t, c, protocol.TypeConnect, &protocol.Connect{DeviceName: "laptop"})
	var er protocol.ErrorResponse
	readMsg(t, c, protocol.TypeErrorResponse, &er)
	if er.Code != "TLS_REQUIRED" {
		t.Errorf("code = %q", er.Code)
	}

	c.SetReadDeadline(readTimeout)
	if _, _, err := c.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

// Failed auth keeps the session in CONNECTED for another attempt.
func TestFailedAuthAllowsRetry(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	connect(t, c, "laptop")

	writeMsg(t, c, protocol.TypeAuthLogin, &protocol.AuthLogin{Username: "ghost", Password: "whatever"})
	var resp protocol.AuthResponse
	readMsg(t, c, protocol.TypeAuthResponse, &resp)
	if resp.Success {
		t.Fatal("login for unknown user succeeded")
	}
	if resp.Message != "Invalid username or password" {
		t.Errorf("message = %q", resp.Message)
	}

	register(t, c, "alice")
}
