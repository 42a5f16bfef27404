// Package session runs the per-connection protocol state machine:
//
//	GREETED → (StartTls → GREETED, over TLS) → CONNECTED → AUTHENTICATED
//
// Each session owns exactly one reader goroutine, blocking in ReadPacket.
// All writes — replies from the reader and fan-out deliveries from sibling
// sessions — go through the connection's send mutex. The session holds a
// Broadcaster capability instead of the full registry, which keeps the
// session↔registry reference cycle out of the type graph.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/metrics"
	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/store"
	"go.krypton.dev/krypton/internal/wire"
)

// State is the connection's position in the handshake.
type State int

const (
	StateGreeted State = iota
	StateConnected
	StateAuthenticated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateGreeted:
		return "GREETED"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Broadcaster is the capability a session holds into the registry: fan-out
// plus the user-index update on successful auth.
type Broadcaster interface {
	Broadcast(t protocol.Type, v any, excludeID, onlyUserID string) int
	SetAuthenticated(id, userID string)
}

// Config wires a session to its collaborators.
type Config struct {
	ServerVersion string
	// TLSConfig enables the in-band upgrade; nil advertises tls_available=false.
	TLSConfig *tls.Config
	// TLSRequired rejects Connect on a plaintext stream.
	TLSRequired bool

	Auth        *auth.Service
	Store       *store.Store
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
}

// Session is one client connection from accept to disconnect.
type Session struct {
	id   string
	conn *wire.Conn
	cfg  Config

	closeOnce sync.Once

	mu         sync.RWMutex
	state      State
	user       *store.User
	deviceID   string
	deviceName string
}

// New wraps an accepted connection. Run must be called exactly once.
func New(conn net.Conn, cfg Config) *Session {
	return &Session{
		id:    uuid.NewString(),
		conn:  wire.New(conn),
		cfg:   cfg,
		state: StateGreeted,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user id, or "" before auth.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TLSEnabled reports whether the stream was upgraded.
func (s *Session) TLSEnabled() bool { return s.conn.TLSEnabled() }

// LastActivity reports the last successful I/O on the connection.
func (s *Session) LastActivity() time.Time { return s.conn.LastActivity() }

// SendPacket delivers a pre-encoded frame to this session. Fan-out entry
// point; safe from any goroutine.
func (s *Session) SendPacket(t protocol.Type, payload []byte) error {
	return s.conn.WritePacket(t, payload)
}

// Terminate announces a Disconnect best-effort and closes the stream,
// unblocking the reader. Safe to call from any goroutine, more than once.
func (s *Session) Terminate(reason string) {
	s.closeOnce.Do(func() {
		if reason != "" {
			_ = s.conn.WriteMsg(protocol.TypeDisconnect, &protocol.Disconnect{Reason: reason})
		}
		// Closing the stream unblocks the reader; Run tears down the rest.
		_ = s.conn.Close()
	})
}

// Run drives the state machine until the connection dies. It always sends
// ServerHello before reading a single byte, then loops on ReadPacket.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	log := slog.With("session", s.id, "remote", s.conn.RemoteAddr().String())

	hello := &protocol.ServerHello{
		ServerVersion: s.cfg.ServerVersion,
		TLSAvailable:  s.cfg.TLSConfig != nil,
		TLSRequired:   s.cfg.TLSRequired,
	}
	if err := s.conn.WriteMsg(protocol.TypeServerHello, hello); err != nil {
		log.Debug("hello write failed", "err", err)
		return
	}

	// Unblock the reader when the context is cancelled (registry shutdown,
	// stale eviction, explicit disconnect).
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	for {
		ptype, payload, err := s.conn.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Debug("connection closed")
			} else if wire.IsProtocolError(err) {
				log.Warn("protocol violation", "err", err)
				s.sendError("PROTOCOL", "Protocol error")
			} else {
				log.Debug("read failed", "err", err)
			}
			s.setState(StateTerminated)
			return
		}

		if fatal := s.dispatch(log, ptype, payload); fatal {
			s.setState(StateTerminated)
			return
		}
	}
}

// dispatch handles one packet. The return value reports whether the session
// must terminate.
func (s *Session) dispatch(log *slog.Logger, ptype protocol.Type, payload []byte) bool {
	// Universal packets first.
	switch ptype {
	case protocol.TypeDisconnect:
		var msg protocol.Disconnect
		_ = protocol.Decode(payload, &msg)
		log.Debug("client disconnect", "reason", msg.Reason)
		return true
	case protocol.TypeHeartbeat:
		// Accepted from CONNECTED onward; keeps half-configured clients from
		// being swept while the user types credentials.
		if s.State() == StateGreeted {
			return s.outOfOrder(log, ptype)
		}
		return s.reply(log, protocol.TypeHeartbeatAck, nil)
	case protocol.TypeAuthLogout:
		log.Debug("client logout")
		return true
	}

	switch s.State() {
	case StateGreeted:
		return s.dispatchGreeted(log, ptype, payload)
	case StateConnected:
		return s.dispatchConnected(log, ptype, payload)
	case StateAuthenticated:
		return s.dispatchAuthenticated(log, ptype, payload)
	}
	return true
}

func (s *Session) dispatchGreeted(log *slog.Logger, ptype protocol.Type, payload []byte) bool {
	switch ptype {
	case protocol.TypeStartTls:
		if s.conn.TLSEnabled() {
			return s.outOfOrder(log, ptype)
		}
		if s.cfg.TLSConfig == nil {
			ack := &protocol.StartTlsAck{Success: false, Message: "TLS not available"}
			if fatal := s.reply(log, protocol.TypeStartTlsAck, ack); fatal {
				return true
			}
			return s.cfg.TLSRequired
		}
		if fatal := s.reply(log, protocol.TypeStartTlsAck, &protocol.StartTlsAck{Success: true}); fatal {
			return true
		}
		if err := s.conn.UpgradeServer(s.cfg.TLSConfig); err != nil {
			log.Warn("tls upgrade failed", "err", err)
			return true
		}
		log.Debug("tls established")
		return false // back to GREETED; next frame must be Connect

	case protocol.TypeConnect:
		if s.cfg.TLSRequired && !s.conn.TLSEnabled() {
			s.sendError("TLS_REQUIRED", "TLS is required")
			return true
		}
		var msg protocol.Connect
		if err := protocol.Decode(payload, &msg); err != nil {
			return s.badPayload(log, ptype, err)
		}
		s.mu.Lock()
		s.deviceID = msg.DeviceID
		s.deviceName = msg.DeviceName
		s.state = StateConnected
		s.mu.Unlock()
		log.Debug("client connected",
			"client_version", msg.ClientVersion,
			"platform", msg.Platform,
			"device", msg.DeviceName,
		)
		ack := &protocol.ConnectAck{ServerVersion: s.cfg.ServerVersion, RequiresAuth: true}
		return s.reply(log, protocol.TypeConnectAck, ack)

	case protocol.TypeClipboardPush, protocol.TypeClipboardPull,
		protocol.TypeClipboardSearch, protocol.TypeClipboardMoveToTop,
		protocol.TypeClipboardDelete:
		// Same auth gate as CONNECTED; the session stays in GREETED.
		s.sendError("AUTH_REQUIRED", "Authentication required")
		return false

	default:
		return s.outOfOrder(log, ptype)
	}
}

func (s *Session) dispatchConnected(log *slog.Logger, ptype protocol.Type, payload []byte) bool {
	switch ptype {
	case protocol.TypeAuthLogin:
		var msg protocol.AuthLogin
		if err := protocol.Decode(payload, &msg); err != nil {
			return s.badPayload(log, ptype, err)
		}
		return s.finishAuth(log, s.cfg.Auth.AuthenticateWithPassword(msg.Username, msg.Password))

	case protocol.TypeAuthRegister:
		var msg protocol.AuthRegister
		if err := protocol.Decode(payload, &msg); err != nil {
			return s.badPayload(log, ptype, err)
		}
		s.mu.RLock()
		device := s.deviceName
		s.mu.RUnlock()
		return s.finishAuth(log, s.cfg.Auth.Register(msg.Username, msg.Password, device))

	case protocol.TypeAuthApiKey:
		var msg protocol.AuthApiKey
		if err := protocol.Decode(payload, &msg); err != nil {
			return s.badPayload(log, ptype, err)
		}
		return s.finishAuth(log, s.cfg.Auth.AuthenticateWithAPIKey(msg.ApiKey))

	case protocol.TypeClipboardPush, protocol.TypeClipboardPull,
		protocol.TypeClipboardSearch, protocol.TypeClipboardMoveToTop,
		protocol.TypeClipboardDelete:
		// Auth gate: reject, stay in CONNECTED.
		s.sendError("AUTH_REQUIRED", "Authentication required")
		return false

	default:
		return s.outOfOrder(log, ptype)
	}
}

func (s *Session) dispatchAuthenticated(log *slog.Logger, ptype protocol.Type, payload []byte) bool {
	switch ptype {
	case protocol.TypeClipboardPush:
		return s.handlePush(log, payload)
	case protocol.TypeClipboardPull:
		return s.handlePull(log, payload)
	case protocol.TypeClipboardSearch:
		return s.handleSearch(log, payload)
	case protocol.TypeClipboardMoveToTop:
		return s.handleMoveToTop(log, payload)
	case protocol.TypeClipboardDelete:
		return s.handleDelete(log, payload)
	default:
		return s.outOfOrder(log, ptype)
	}
}

// finishAuth applies an auth result: success transitions to AUTHENTICATED
// and registers the session as a fan-out target; failure keeps CONNECTED.
func (s *Session) finishAuth(log *slog.Logger, res auth.Result) bool {
	if !res.Success {
		s.cfg.Metrics.AuthFailures.Inc()
		resp := &protocol.AuthResponse{Success: false, Message: res.Message}
		return s.reply(log, protocol.TypeAuthResponse, resp)
	}

	s.mu.Lock()
	s.user = res.User
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.cfg.Broadcaster.SetAuthenticated(s.id, res.User.ID)
	s.cfg.Metrics.SessionsAuth.Inc()

	log.Info("authenticated", "user", res.User.Username)
	resp := &protocol.AuthResponse{
		Success: true,
		UserID:  res.User.ID,
		ApiKey:  res.MintedKey,
		IsAdmin: res.User.IsAdmin,
	}
	return s.reply(log, protocol.TypeAuthResponse, resp)
}

func (s *Session) handlePush(log *slog.Logger, payload []byte) bool {
	var msg protocol.ClipboardPush
	if err := protocol.Decode(payload, &msg); err != nil {
		return s.badPayload(log, protocol.TypeClipboardPush, err)
	}

	userID := s.UserID()
	s.mu.RLock()
	device := s.deviceName
	s.mu.RUnlock()

	source := msg.Entry.SourceDevice
	if source == "" {
		source = device
	}

	entry, err := s.cfg.Store.Push(userID, msg.Entry.ContentType, msg.Entry.Content, msg.Entry.ContentPreview, source)
	if err != nil {
		log.Warn("push rejected", "err", err)
		ack := &protocol.ClipboardPushAck{Success: false, Message: "Invalid clipboard entry"}
		return s.reply(log, protocol.TypeClipboardPushAck, ack)
	}
	s.cfg.Metrics.Pushes.Inc()

	// The entry is durable; ack the originator before fan-out. Siblings may
	// still observe the broadcast before this ack arrives — no cross-session
	// ordering is promised.
	ack := &protocol.ClipboardPushAck{Success: true, EntryID: entry.ID}
	if fatal := s.reply(log, protocol.TypeClipboardPushAck, ack); fatal {
		return true
	}

	wireEntry := s.wireEntry(entry, msg.Entry.Content)
	sent := s.cfg.Broadcaster.Broadcast(
		protocol.TypeClipboardBroadcast,
		&protocol.ClipboardBroadcast{Entry: wireEntry, FromDevice: device},
		s.id, userID,
	)
	s.cfg.Metrics.BroadcastSent.Add(float64(sent))
	log.Debug("entry pushed", "entry", entry.ID, "fanout", sent)
	return false
}

func (s *Session) handlePull(log *slog.Logger, payload []byte) bool {
	var msg protocol.ClipboardPull
	if err := protocol.Decode(payload, &msg); err != nil {
		return s.badPayload(log, protocol.TypeClipboardPull, err)
	}

	entries, total, hasMore, err := s.cfg.Store.History(s.UserID(), msg.Limit, msg.Offset)
	if err != nil {
		log.Error("history failed", "err", err)
		s.sendError("INTERNAL", "Internal error")
		return false
	}

	resp := &protocol.ClipboardHistory{
		Entries:    s.wireEntries(entries),
		TotalCount: total,
		HasMore:    hasMore,
	}
	return s.reply(log, protocol.TypeClipboardHistory, resp)
}

func (s *Session) handleSearch(log *slog.Logger, payload []byte) bool {
	var msg protocol.ClipboardSearch
	if err := protocol.Decode(payload, &msg); err != nil {
		return s.badPayload(log, protocol.TypeClipboardSearch, err)
	}

	entries, total, err := s.cfg.Store.Search(s.UserID(), msg.Query, msg.Limit)
	if err != nil {
		log.Error("search failed", "err", err)
		s.sendError("INTERNAL", "Internal error")
		return false
	}

	resp := &protocol.ClipboardSearchResult{
		Entries:      s.wireEntries(entries),
		TotalMatches: total,
		HasMore:      len(entries) < total,
	}
	return s.reply(log, protocol.TypeClipboardSearchResult, resp)
}

func (s *Session) handleMoveToTop(log *slog.Logger, payload []byte) bool {
	var msg protocol.ClipboardMoveToTop
	if err := protocol.Decode(payload, &msg); err != nil {
		return s.badPayload(log, protocol.TypeClipboardMoveToTop, err)
	}

	ack := &protocol.ClipboardMoveToTopAck{Success: true}
	switch err := s.cfg.Store.MoveToTop(s.UserID(), msg.EntryID); {
	case errors.Is(err, store.ErrNotFound):
		// Covers both missing entries and other users' entries.
		ack = &protocol.ClipboardMoveToTopAck{Success: false, Message: "Entry not found"}
	case err != nil:
		log.Error("move-to-top failed", "err", err)
		s.sendError("INTERNAL", "Internal error")
		return false
	}
	return s.reply(log, protocol.TypeClipboardMoveToTopAck, ack)
}

func (s *Session) handleDelete(log *slog.Logger, payload []byte) bool {
	var msg protocol.ClipboardDelete
	if err := protocol.Decode(payload, &msg); err != nil {
		return s.badPayload(log, protocol.TypeClipboardDelete, err)
	}

	ack := &protocol.ClipboardDeleteAck{Success: true}
	switch err := s.cfg.Store.Delete(s.UserID(), msg.EntryID); {
	case errors.Is(err, store.ErrNotFound):
		ack = &protocol.ClipboardDeleteAck{Success: false, Message: "Entry not found"}
	case err != nil:
		log.Error("delete failed", "err", err)
		s.sendError("INTERNAL", "Internal error")
		return false
	}
	return s.reply(log, protocol.TypeClipboardDeleteAck, ack)
}

// wireEntry converts a stored entry for the wire, reusing inlineContent for
// externally stored bytes when the caller still has them.
func (s *Session) wireEntry(e store.Entry, inlineContent []byte) protocol.Entry {
	content := e.Content
	if len(content) == 0 && len(inlineContent) > 0 {
		content = inlineContent
	}
	if len(content) == 0 && e.ExternalPath != "" {
		b, err := s.cfg.Store.ContentOf(e)
		if err != nil {
			slog.Warn("blob read failed", "entry", e.ID, "err", err)
		} else {
			content = b
		}
	}
	return protocol.Entry{
		ID:             e.ID,
		UserID:         e.UserID,
		ContentType:    e.ContentType,
		Content:        content,
		ContentPreview: e.ContentPreview,
		ContentHash:    e.ContentHash,
		SourceDevice:   e.SourceDevice,
		CreatedAt:      protocol.Millis(e.CreatedAt),
	}
}

func (s *Session) wireEntries(entries []store.Entry) []protocol.Entry {
	out := make([]protocol.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.wireEntry(e, nil))
	}
	return out
}

// reply writes a response; a failed write is fatal for the session.
func (s *Session) reply(log *slog.Logger, t protocol.Type, v any) bool {
	if err := s.conn.WriteMsg(t, v); err != nil {
		log.Debug("write failed", "type", t.String(), "err", err)
		return true
	}
	return false
}

// sendError writes an ErrorResponse best-effort.
func (s *Session) sendError(code, message string) {
	_ = s.conn.WriteMsg(protocol.TypeErrorResponse, &protocol.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// outOfOrder reports a packet that is invalid in the current state and
// terminates the session.
func (s *Session) outOfOrder(log *slog.Logger, ptype protocol.Type) bool {
	log.Warn("out-of-order packet", "type", ptype.String(), "state", s.State().String())
	s.sendError("OUT_OF_ORDER", fmt.Sprintf("Unexpected %s in state %s", ptype, s.State()))
	return true
}

// badPayload reports an undecodable payload. The framing is intact, so one
// ErrorResponse goes out before the session closes.
func (s *Session) badPayload(log *slog.Logger, ptype protocol.Type, err error) bool {
	log.Warn("bad payload", "type", ptype.String(), "err", err)
	s.sendError("BAD_PAYLOAD", "Malformed payload")
	return true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
