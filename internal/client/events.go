package client

import (
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

// Event is anything the client surfaces to its embedder (GUI, tray, mobile
// service). Events are delivered on a lossless FIFO channel; a slow consumer
// eventually drops the oldest pending event rather than stalling the reader.
type Event interface {
	event()
}

// AuthResult reports the outcome of an authentication attempt.
type AuthResult struct {
	Success bool
	Message string
	UserID  string
	// APIKey is set when the server minted a fresh key (registration or
	// password login); persist it for key-based reconnects.
	APIKey  string
	IsAdmin bool
}

// ClipboardReceived delivers a broadcast entry from a sibling device.
type ClipboardReceived struct {
	Entry      protocol.Entry
	FromDevice string
}

// ConnectionLost fires after the reconnect policy is exhausted.
type ConnectionLost struct {
	Err error
}

// ConnectionRestored fires when a reconnect cycle succeeds, before the
// offline queue is flushed.
type ConnectionRestored struct{}

// HeartbeatLatency reports one heartbeat round-trip. Window holds the last
// five samples, oldest first, for UI sparklines.
type HeartbeatLatency struct {
	Latency time.Duration
	Window  []time.Duration
}

// ServerVersionMismatch is advisory: the client is newer than the server.
// Never fatal.
type ServerVersionMismatch struct {
	ServerVersion string
	ClientVersion string
}

func (AuthResult) event()            {}
func (ClipboardReceived) event()     {}
func (ConnectionLost) event()        {}
func (ConnectionRestored) event()    {}
func (HeartbeatLatency) event()      {}
func (ServerVersionMismatch) event() {}
