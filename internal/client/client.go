// Package client implements the reusable Krypton client session: connection
// handshake with optional TLS upgrade, authentication, clipboard operations,
// heartbeating, reconnection with an offline queue, and an event stream for
// the embedding UI.
//
// A Client drives exactly one logical session. Operations are safe for
// concurrent use; request/response exchanges are serialised internally so the
// single reader goroutine can route every reply to its caller.
package client

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/tlsconf"
	"go.krypton.dev/krypton/internal/wire"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = 5 * time.Second

	// heartbeatMaxMisses consecutive unanswered heartbeats tear the
	// connection down and hand it to the reconnect policy.
	heartbeatMaxMisses = 3

	// respTimeout bounds a request/response exchange.
	respTimeout = 30 * time.Second

	// latencyWindow is how many heartbeat samples are retained.
	latencyWindow = 5

	eventBuffer = 64
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("client: not connected")

	// ErrTimeout is returned when the server does not answer a request.
	ErrTimeout = errors.New("client: request timed out")
)

// State is the client's connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	}
	return "UNKNOWN"
}

// Config holds the client identity and tuning knobs. The zero value of every
// duration/count field selects the documented default.
type Config struct {
	ClientVersion string
	Platform      string
	DeviceID      string
	DeviceName    string

	// UseTLS requests the in-band upgrade when the server advertises it.
	// The upgrade also happens regardless when the server requires TLS.
	UseTLS bool
	// TLSServerName overrides the name verified against the server
	// certificate; empty uses the dialled host.
	TLSServerName string
	// InsecureSkipVerify accepts self-signed server certificates. Explicit
	// opt-in for development setups.
	InsecureSkipVerify bool

	DialTimeout          time.Duration // default 10s
	HeartbeatInterval    time.Duration // default 30s
	MaxReconnectAttempts int           // default 3
	ReconnectDelay       time.Duration // default 5s, grows linearly per attempt

	// MaxQueuedPushes caps the offline queue; the oldest item is dropped
	// when the cap is hit. Zero leaves the queue unbounded, which is the
	// default: bounding it is the embedder's call.
	MaxQueuedPushes int
}

func (c *Config) fillDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
}

// QueuedPush is a clipboard item captured while offline, waiting for the
// next authenticated session.
type QueuedPush struct {
	ContentType protocol.ContentType
	Content     []byte
	Preview     string
	QueuedAt    time.Time
}

type inbound struct {
	ptype   protocol.Type
	payload []byte
}

// Client is a Krypton client session. Create with New, then Connect and one
// of the authentication calls.
type Client struct {
	cfg    Config
	events chan Event

	// callMu serialises request/response exchanges; the protocol has no
	// correlation ids, so at most one request may be in flight.
	callMu sync.Mutex

	mu               sync.Mutex
	conn             *wire.Conn
	state            State
	closed           bool
	wasEverConnected bool
	addr             string
	apiKey           string
	userID           string
	queue []QueuedPush
	// lastContentHash canonicalizes the most recent clipboard value seen by
	// this client, whether it arrived as a broadcast or left as a local
	// push. Pushing a matching value again is a no-op.
	lastContentHash string
	latencies       []time.Duration
	hbStop           chan struct{}
	hbAck            chan struct{}

	pendingMu sync.Mutex
	pending   chan inbound

	sequence     atomic.Uint64
	reconnecting atomic.Bool
}

// New returns an unconnected Client.
func New(cfg Config) *Client {
	cfg.fillDefaults()
	return &Client{
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
	}
}

// Events returns the event stream. The channel is never closed; stop reading
// after Close.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// APIKey returns the key minted by the server on the last successful
// password login or registration, or the key last used to authenticate.
func (c *Client) APIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// SetAPIKey seeds the stored key, e.g. from the embedder's keychain, so
// reconnects can re-authenticate without Connect-time credentials.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// UserID returns the authenticated user id, or empty.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// QueueLen returns the number of offline pushes waiting to be flushed.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect dials addr and runs the handshake: read the server hello, upgrade
// to TLS when requested or required, then introduce the device. On return the
// session is CONNECTED and the reader goroutine is running; authenticate
// next.
func (c *Client) Connect(addr string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("client: already connected")
	}
	c.closed = false
	c.mu.Unlock()

	nc, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn := wire.New(nc)

	if err := c.handshake(conn, addr); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.wasEverConnected = true
	c.addr = addr
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// handshake runs the plaintext preamble synchronously on the calling
// goroutine: hello, optional STARTTLS, connect. No reader is active yet, so
// the TLS upgrade swaps the stream with no frame in flight.
func (c *Client) handshake(conn *wire.Conn, addr string) error {
	conn.SetReadDeadline(c.cfg.DialTimeout)
	defer conn.SetReadDeadline(0)

	var hello protocol.ServerHello
	if err := readExpect(conn, protocol.TypeServerHello, &hello); err != nil {
		return fmt.Errorf("server hello: %w", err)
	}
	if versionNewer(c.cfg.ClientVersion, hello.ServerVersion) {
		c.emit(ServerVersionMismatch{
			ServerVersion: hello.ServerVersion,
			ClientVersion: c.cfg.ClientVersion,
		})
	}

	if hello.TLSRequired || (c.cfg.UseTLS && hello.TLSAvailable) {
		if err := c.upgradeTLS(conn, addr, hello.TLSRequired); err != nil {
			return err
		}
	}

	if err := conn.WriteMsg(protocol.TypeConnect, &protocol.Connect{
		ClientVersion: c.cfg.ClientVersion,
		Platform:      c.cfg.Platform,
		DeviceID:      c.cfg.DeviceID,
		DeviceName:    c.cfg.DeviceName,
	}); err != nil {
		return err
	}
	var ack protocol.ConnectAck
	if err := readExpect(conn, protocol.TypeConnectAck, &ack); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) upgradeTLS(conn *wire.Conn, addr string, required bool) error {
	if err := conn.WriteMsg(protocol.TypeStartTls, nil); err != nil {
		return err
	}
	var ack protocol.StartTlsAck
	if err := readExpect(conn, protocol.TypeStartTlsAck, &ack); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if !ack.Success {
		if required {
			return fmt.Errorf("starttls refused: %s", ack.Message)
		}
		slog.Warn("client: server declined TLS, continuing plaintext", "message", ack.Message)
		return nil
	}

	name := c.cfg.TLSServerName
	if name == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		name = host
	}
	if err := conn.UpgradeClient(tlsconf.Client(name, c.cfg.InsecureSkipVerify)); err != nil {
		return err
	}
	return nil
}

// Login authenticates with username and password. On success the server
// mints a fresh API key; it is stored for reconnects and surfaced in the
// response.
func (c *Client) Login(username, password string) (*protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	err := c.roundTrip(protocol.TypeAuthLogin,
		&protocol.AuthLogin{Username: username, Password: password},
		protocol.TypeAuthResponse, &resp)
	if err != nil {
		return nil, err
	}
	c.finishAuth(&resp, "")
	return &resp, nil
}

// Register creates an account and authenticates it in one exchange.
func (c *Client) Register(username, password string) (*protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	err := c.roundTrip(protocol.TypeAuthRegister,
		&protocol.AuthRegister{Username: username, Password: password},
		protocol.TypeAuthResponse, &resp)
	if err != nil {
		return nil, err
	}
	c.finishAuth(&resp, "")
	return &resp, nil
}

// AuthenticateWithKey authenticates with a previously minted API key.
func (c *Client) AuthenticateWithKey(key string) (*protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	err := c.roundTrip(protocol.TypeAuthApiKey,
		&protocol.AuthApiKey{ApiKey: key},
		protocol.TypeAuthResponse, &resp)
	if err != nil {
		return nil, err
	}
	c.finishAuth(&resp, key)
	return &resp, nil
}

func (c *Client) finishAuth(resp *protocol.AuthResponse, usedKey string) {
	if resp.Success {
		c.mu.Lock()
		c.state = StateAuthenticated
		c.userID = resp.UserID
		if resp.ApiKey != "" {
			c.apiKey = resp.ApiKey
		} else if usedKey != "" {
			c.apiKey = usedKey
		}
		c.startHeartbeatLocked()
		c.mu.Unlock()
	}
	c.emit(AuthResult{
		Success: resp.Success,
		Message: resp.Message,
		UserID:  resp.UserID,
		APIKey:  resp.ApiKey,
		IsAdmin: resp.IsAdmin,
	})
}

// Push uploads a clipboard item. The preview is optional; the server derives
// one when it is empty. While disconnected after a first successful
// connection the item is queued and flushed on the next reconnect. An item
// whose hash equals the last one pushed or received is dropped silently,
// breaking the echo loop between the OS clipboard and the network and
// collapsing back-to-back duplicates into a single broadcast.
func (c *Client) Push(contentType protocol.ContentType, content []byte, preview string) error {
	if !contentType.Valid() {
		return fmt.Errorf("client: invalid content type %q", contentType)
	}
	if len(content) == 0 {
		return errors.New("client: empty content")
	}

	hash := contentHash(content)

	c.mu.Lock()
	if hash == c.lastContentHash && c.lastContentHash != "" {
		c.mu.Unlock()
		slog.Debug("client: suppressing duplicate push", "hash", hash[:12])
		return nil
	}
	if c.state != StateAuthenticated {
		if !c.wasEverConnected {
			c.mu.Unlock()
			return ErrNotConnected
		}
		if c.cfg.MaxQueuedPushes > 0 && len(c.queue) >= c.cfg.MaxQueuedPushes {
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, QueuedPush{
			ContentType: contentType,
			Content:     content,
			Preview:     preview,
			QueuedAt:    time.Now(),
		})
		c.lastContentHash = hash
		n := len(c.queue)
		c.mu.Unlock()
		slog.Info("client: queued push while offline", "queued", n)
		return nil
	}
	c.mu.Unlock()

	return c.pushNow(contentType, content, preview)
}

func (c *Client) pushNow(contentType protocol.ContentType, content []byte, preview string) error {
	var ack protocol.ClipboardPushAck
	err := c.roundTrip(protocol.TypeClipboardPush,
		&protocol.ClipboardPush{Entry: protocol.Entry{
			ContentType:    contentType,
			Content:        content,
			ContentPreview: preview,
			SourceDevice:   c.cfg.DeviceName,
		}},
		protocol.TypeClipboardPushAck, &ack)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("client: push rejected: %s", ack.Message)
	}
	c.mu.Lock()
	c.lastContentHash = contentHash(content)
	c.mu.Unlock()
	return nil
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Pull fetches a page of clipboard history, newest first.
func (c *Client) Pull(limit, offset int) (*protocol.ClipboardHistory, error) {
	var resp protocol.ClipboardHistory
	err := c.roundTrip(protocol.TypeClipboardPull,
		&protocol.ClipboardPull{Limit: limit, Offset: offset},
		protocol.TypeClipboardHistory, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Search queries history by preview substring, case-insensitive.
func (c *Client) Search(query string, limit int) (*protocol.ClipboardSearchResult, error) {
	var resp protocol.ClipboardSearchResult
	err := c.roundTrip(protocol.TypeClipboardSearch,
		&protocol.ClipboardSearch{Query: query, Limit: limit},
		protocol.TypeClipboardSearchResult, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// MoveToTop bumps an entry to the head of the history.
func (c *Client) MoveToTop(entryID string) error {
	var ack protocol.ClipboardMoveToTopAck
	err := c.roundTrip(protocol.TypeClipboardMoveToTop,
		&protocol.ClipboardMoveToTop{EntryID: entryID},
		protocol.TypeClipboardMoveToTopAck, &ack)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("client: move to top failed: %s", ack.Message)
	}
	return nil
}

// Delete removes an entry from the server-side history.
func (c *Client) Delete(entryID string) error {
	var ack protocol.ClipboardDeleteAck
	err := c.roundTrip(protocol.TypeClipboardDelete,
		&protocol.ClipboardDelete{EntryID: entryID},
		protocol.TypeClipboardDeleteAck, &ack)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("client: delete failed: %s", ack.Message)
	}
	return nil
}

// Close shuts the session down cleanly and disables reconnection. The
// offline queue survives Close so the embedder can persist it.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMsg(protocol.TypeDisconnect, &protocol.Disconnect{Reason: "client disconnect"})
		return conn.Close()
	}
	return nil
}

// roundTrip sends one request and waits for its reply, which the reader
// goroutine routes back via the pending channel.
func (c *Client) roundTrip(reqType protocol.Type, req any, want protocol.Type, resp any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ch := make(chan inbound, 1)
	c.pendingMu.Lock()
	c.pending = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()
	}()

	seq := c.sequence.Add(1)
	slog.Debug("client: request", "seq", seq, "type", reqType)

	if err := conn.WriteMsg(reqType, req); err != nil {
		return err
	}

	select {
	case in := <-ch:
		if in.ptype == protocol.TypeErrorResponse {
			var er protocol.ErrorResponse
			if err := protocol.Decode(in.payload, &er); err != nil {
				return err
			}
			return fmt.Errorf("client: server error %s: %s", er.Code, er.Message)
		}
		if in.ptype != want {
			return fmt.Errorf("client: expected %s, got %s", want, in.ptype)
		}
		return protocol.Decode(in.payload, resp)
	case <-time.After(respTimeout):
		return ErrTimeout
	}
}

// readLoop is the single reader for one connection. It routes broadcasts and
// heartbeat acks directly and hands everything else to the waiting request,
// if any.
func (c *Client) readLoop(conn *wire.Conn) {
	for {
		ptype, payload, err := conn.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("client: read failed", "err", err)
			}
			c.connectionLost(conn, err)
			return
		}

		switch ptype {
		case protocol.TypeClipboardBroadcast:
			var bc protocol.ClipboardBroadcast
			if err := protocol.Decode(payload, &bc); err != nil {
				slog.Warn("client: bad broadcast payload", "err", err)
				continue
			}
			c.mu.Lock()
			c.lastContentHash = bc.Entry.ContentHash
			c.mu.Unlock()
			c.emit(ClipboardReceived{Entry: bc.Entry, FromDevice: bc.FromDevice})

		case protocol.TypeHeartbeatAck:
			c.mu.Lock()
			ack := c.hbAck
			c.mu.Unlock()
			if ack != nil {
				select {
				case ack <- struct{}{}:
				default:
				}
			}

		case protocol.TypeDisconnect:
			var d protocol.Disconnect
			_ = protocol.Decode(payload, &d)
			slog.Info("client: server closed session", "reason", d.Reason)
			_ = conn.Close()
			c.connectionLost(conn, io.EOF)
			return

		default:
			c.pendingMu.Lock()
			ch := c.pending
			c.pendingMu.Unlock()
			if ch == nil {
				slog.Warn("client: unsolicited packet", "type", ptype)
				continue
			}
			select {
			case ch <- inbound{ptype: ptype, payload: payload}:
			default:
			}
		}
	}
}

// connectionLost tears down state for a dead connection and starts the
// reconnect policy unless the loss was a deliberate Close.
func (c *Client) connectionLost(conn *wire.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// Already superseded by a newer connection or by Close.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.stopHeartbeatLocked()
	closed := c.closed
	addr := c.addr
	key := c.apiKey
	c.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}

	if key != "" && c.reconnecting.CompareAndSwap(false, true) {
		go func() {
			defer c.reconnecting.Store(false)
			c.reconnect(addr, key, cause)
		}()
		return
	}
	if !c.reconnecting.Load() {
		c.emit(ConnectionLost{Err: cause})
	}
}

// reconnect retries with linearly growing delays: attempt n waits n times
// the base delay. Success re-authenticates with the stored API key, announces
// ConnectionRestored and flushes the offline queue; exhaustion announces
// ConnectionLost.
func (c *Client) reconnect(addr, key string, cause error) {
	lastErr := cause
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * c.cfg.ReconnectDelay
		slog.Info("client: reconnecting",
			"attempt", attempt,
			"of", c.cfg.MaxReconnectAttempts,
			"in", delay,
		)
		time.Sleep(delay)
		if c.isClosed() {
			return
		}

		if err := c.Connect(addr); err != nil {
			lastErr = err
			continue
		}
		resp, err := c.AuthenticateWithKey(key)
		if err != nil {
			lastErr = err
			c.dropConn()
			continue
		}
		if !resp.Success {
			// The key was revoked or expired while we were away; retrying
			// with the same key cannot succeed.
			lastErr = fmt.Errorf("client: re-authentication failed: %s", resp.Message)
			c.dropConn()
			break
		}

		slog.Info("client: connection restored", "attempt", attempt)
		c.emit(ConnectionRestored{})
		c.flushQueue()
		return
	}
	c.emit(ConnectionLost{Err: lastErr})
}

// flushQueue replays offline pushes in FIFO order. A failed replay puts the
// item back at the head and stops; the next reconnect resumes from there.
func (c *Client) flushQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.state != StateAuthenticated {
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.pushNow(item.ContentType, item.Content, item.Preview); err != nil {
			slog.Warn("client: offline queue flush interrupted", "err", err)
			c.mu.Lock()
			c.queue = append([]QueuedPush{item}, c.queue...)
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	ack := make(chan struct{}, 1)
	c.hbStop = stop
	c.hbAck = ack
	go c.heartbeatLoop(c.conn, stop, ack)
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
		c.hbAck = nil
	}
}

// heartbeatLoop pings every interval and tracks consecutive misses. There is
// no per-ack timer: a ping still unanswered when the next one is due counts
// as a miss, and an ack arriving at any point resets the counter. Three
// consecutive misses close the connection, which wakes the reader and hands
// control to the reconnect policy.
func (c *Client) heartbeatLoop(conn *wire.Conn, stop <-chan struct{}, ack <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	awaiting := false
	var sentAt time.Time
	for {
		select {
		case <-stop:
			return
		case <-ack:
			if awaiting {
				awaiting = false
				misses = 0
				c.recordLatency(time.Since(sentAt))
			}
			continue
		case <-ticker.C:
		}

		if awaiting {
			misses++
			slog.Warn("client: heartbeat unanswered", "misses", misses)
			if misses >= heartbeatMaxMisses {
				slog.Error("client: heartbeat failure threshold reached, dropping connection")
				_ = conn.Close()
				return
			}
		}

		sentAt = time.Now()
		if err := conn.WriteMsg(protocol.TypeHeartbeat, nil); err != nil {
			slog.Warn("client: heartbeat write failed", "err", err)
			_ = conn.Close()
			return
		}
		awaiting = true
	}
}

func (c *Client) recordLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	if len(c.latencies) > latencyWindow {
		c.latencies = c.latencies[len(c.latencies)-latencyWindow:]
	}
	window := make([]time.Duration, len(c.latencies))
	copy(window, c.latencies)
	c.mu.Unlock()

	c.emit(HeartbeatLatency{Latency: d, Window: window})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dropConn closes the current connection without triggering reconnection on
// top of an already running reconnect cycle.
func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.stopHeartbeatLocked()
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// emit delivers ev without ever blocking the reader; when the buffer is full
// the oldest pending event is sacrificed.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- ev:
	default:
	}
}

// readExpect reads one frame and decodes it into v, failing on anything but
// the wanted type. A server ErrorResponse is surfaced as an error.
func readExpect(conn *wire.Conn, want protocol.Type, v any) error {
	ptype, payload, err := conn.ReadPacket()
	if err != nil {
		return err
	}
	if ptype == protocol.TypeErrorResponse {
		var er protocol.ErrorResponse
		if err := protocol.Decode(payload, &er); err != nil {
			return err
		}
		return fmt.Errorf("server error %s: %s", er.Code, er.Message)
	}
	if ptype != want {
		return fmt.Errorf("expected %s, got %s", want, ptype)
	}
	return protocol.Decode(payload, v)
}

// versionNewer reports whether a is a strictly newer x.y.z version than b.
// Unparseable components compare as zero.
func versionNewer(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	av, bv := splitVersion(a), splitVersion(b)
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			return av[i] > bv[i]
		}
	}
	return false
}

func splitVersion(s string) [3]int {
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	var out [3]int
	for i, part := range strings.SplitN(s, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out
}
