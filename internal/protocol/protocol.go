// Package protocol defines the Krypton wire protocol: the 16-bit packet type
// enumeration and the typed payload carried by every packet.
//
// Payloads are JSON-encoded structs with explicit field tags. Binary clipboard
// content is a []byte field and therefore travels base64-encoded inside the
// JSON document. Unknown fields are skipped on decode, so older peers can talk
// to newer ones. Packets with no payload (Heartbeat, StartTls, ...) are zero
// bytes on the wire.
//
// All timestamps are Unix milliseconds, unsigned 64-bit.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of packet. Values are part of the wire protocol
// shared with every client implementation — never reorder or reuse them.
type Type uint16

const (
	TypeServerHello Type = 1
	TypeStartTls    Type = 2
	TypeStartTlsAck Type = 3

	TypeConnect    Type = 10
	TypeConnectAck Type = 11

	TypeAuthLogin    Type = 20
	TypeAuthRegister Type = 21
	TypeAuthApiKey   Type = 22
	TypeAuthLogout   Type = 23
	TypeAuthResponse Type = 24

	TypeClipboardPush         Type = 30
	TypeClipboardPushAck      Type = 31
	TypeClipboardPull         Type = 32
	TypeClipboardHistory      Type = 33
	TypeClipboardSearch       Type = 34
	TypeClipboardSearchResult Type = 35
	TypeClipboardMoveToTop    Type = 36
	TypeClipboardMoveToTopAck Type = 37
	TypeClipboardDelete       Type = 38
	TypeClipboardDeleteAck    Type = 39
	TypeClipboardBroadcast    Type = 40

	TypeHeartbeat    Type = 50
	TypeHeartbeatAck Type = 51

	TypeDisconnect    Type = 60
	TypeErrorResponse Type = 61
)

var typeNames = map[Type]string{
	TypeServerHello:           "SERVER_HELLO",
	TypeStartTls:              "START_TLS",
	TypeStartTlsAck:           "START_TLS_ACK",
	TypeConnect:               "CONNECT",
	TypeConnectAck:            "CONNECT_ACK",
	TypeAuthLogin:             "AUTH_LOGIN",
	TypeAuthRegister:          "AUTH_REGISTER",
	TypeAuthApiKey:            "AUTH_API_KEY",
	TypeAuthLogout:            "AUTH_LOGOUT",
	TypeAuthResponse:          "AUTH_RESPONSE",
	TypeClipboardPush:         "CLIPBOARD_PUSH",
	TypeClipboardPushAck:      "CLIPBOARD_PUSH_ACK",
	TypeClipboardPull:         "CLIPBOARD_PULL",
	TypeClipboardHistory:      "CLIPBOARD_HISTORY",
	TypeClipboardSearch:       "CLIPBOARD_SEARCH",
	TypeClipboardSearchResult: "CLIPBOARD_SEARCH_RESULT",
	TypeClipboardMoveToTop:    "CLIPBOARD_MOVE_TO_TOP",
	TypeClipboardMoveToTopAck: "CLIPBOARD_MOVE_TO_TOP_ACK",
	TypeClipboardDelete:       "CLIPBOARD_DELETE",
	TypeClipboardDeleteAck:    "CLIPBOARD_DELETE_ACK",
	TypeClipboardBroadcast:    "CLIPBOARD_BROADCAST",
	TypeHeartbeat:             "HEARTBEAT",
	TypeHeartbeatAck:          "HEARTBEAT_ACK",
	TypeDisconnect:            "DISCONNECT",
	TypeErrorResponse:         "ERROR_RESPONSE",
}

// Known reports whether t is a packet type this implementation understands.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// ContentType classifies a clipboard entry's payload.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentImage ContentType = "IMAGE"
	ContentFile  ContentType = "FILE"
)

// Valid reports whether ct is one of the defined content types.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentText, ContentImage, ContentFile:
		return true
	}
	return false
}

// Entry is a clipboard entry as it appears on the wire. Server-side records
// may keep the bytes on disk instead of in Content; broadcasts and history
// responses always carry the inline bytes.
type Entry struct {
	ID             string      `json:"id,omitempty"`
	UserID         string      `json:"user_id,omitempty"`
	ContentType    ContentType `json:"content_type"`
	Content        []byte      `json:"content,omitempty"`
	ContentPreview string      `json:"preview,omitempty"`
	ContentHash    string      `json:"content_hash,omitempty"`
	SourceDevice   string      `json:"source_device,omitempty"`
	CreatedAt      uint64      `json:"created_at,omitempty"` // unix millis
}

// Millis converts t to the wire timestamp representation.
func Millis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

// FromMillis converts a wire timestamp back to a time.Time.
func FromMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// ServerHello is the first frame on every connection, server → client,
// always plaintext.
type ServerHello struct {
	ServerVersion string `json:"server_version"`
	TLSAvailable  bool   `json:"tls_available"`
	TLSRequired   bool   `json:"tls_required"`
}

// StartTlsAck answers a StartTls request. On success the TLS handshake
// begins immediately after this frame.
type StartTlsAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Connect introduces the client after the (optional) TLS upgrade.
type Connect struct {
	ClientVersion string `json:"client_version"`
	Platform      string `json:"platform"`
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
}

// ConnectAck acknowledges a Connect.
type ConnectAck struct {
	ServerVersion string `json:"server_version"`
	RequiresAuth  bool   `json:"requires_auth"`
}

// AuthLogin authenticates with username and password.
type AuthLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthRegister creates a new account and authenticates it.
type AuthRegister struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthApiKey authenticates with a previously minted API key.
type AuthApiKey struct {
	ApiKey string `json:"api_key"`
}

// AuthResponse reports the outcome of any auth attempt. ApiKey is only set
// when a fresh key was minted (registration, password login) — it is never
// re-displayed afterwards.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	ApiKey  string `json:"api_key,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// ClipboardPush uploads a new clipboard entry.
type ClipboardPush struct {
	Entry Entry `json:"entry"`
}

// ClipboardPushAck acknowledges a push after the entry is durable.
type ClipboardPushAck struct {
	Success bool   `json:"success"`
	EntryID string `json:"entry_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClipboardPull requests a page of clipboard history.
type ClipboardPull struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ClipboardHistory is the response to a pull.
type ClipboardHistory struct {
	Entries    []Entry `json:"entries"`
	TotalCount int     `json:"total_count"`
	HasMore    bool    `json:"has_more"`
}

// ClipboardSearch queries history by preview substring (case-insensitive).
type ClipboardSearch struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// ClipboardSearchResult is the response to a search.
type ClipboardSearchResult struct {
	Entries      []Entry `json:"entries"`
	TotalMatches int     `json:"total_matches"`
	HasMore      bool    `json:"has_more"`
}

// ClipboardMoveToTop bumps an entry to the top of the history.
type ClipboardMoveToTop struct {
	EntryID string `json:"entry_id"`
}

// ClipboardMoveToTopAck reports the outcome of a move-to-top.
type ClipboardMoveToTopAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClipboardDelete removes an entry (and its external blob, if any).
type ClipboardDelete struct {
	EntryID string `json:"entry_id"`
}

// ClipboardDeleteAck reports the outcome of a delete.
type ClipboardDeleteAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClipboardBroadcast delivers a newly pushed entry to sibling sessions of
// the same user.
type ClipboardBroadcast struct {
	Entry      Entry  `json:"entry"`
	FromDevice string `json:"from_device,omitempty"`
}

// Disconnect announces an orderly shutdown of the session.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse reports a handler or protocol error to the peer.
type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Encode serialises a payload struct. nil encodes to zero bytes.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol encode: %w", err)
	}
	return b, nil
}

// Decode deserialises a payload into v. Zero-byte payloads leave v untouched,
// matching the empty-packet convention.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol decode: %w", err)
	}
	return nil
}
