// Package wire frames Krypton packets over a net.Conn.
//
// Frame layout:
//
//	u32 big-endian total_len   // covers type + payload, not itself
//	u16 big-endian packet_type
//	payload                    // total_len - 2 bytes, schema per packet type
//
// A Conn serialises all writes through a single mutex so that fan-out
// deliveries and the session's own replies can never interleave on the
// stream. Reads must only be issued from the single owning reader goroutine.
package wire

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

const (
	// MaxPayload is the largest payload we will read or write (10 MiB).
	MaxPayload = 10 * 1024 * 1024

	// maxFrame covers the packet type field plus the payload.
	maxFrame = MaxPayload + 2

	headerLen = 4
	typeLen   = 2

	writeDeadline = 10 * time.Second
)

// ProtocolError marks a fatal framing violation: malformed header, unknown
// packet type, or an oversize frame. The session must be closed; no recovery
// is possible once the stream position is untrustworthy.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Conn wraps a net.Conn with Krypton packet framing, a single-writer send
// mutex, and an in-place plaintext→TLS upgrade.
type Conn struct {
	mu   sync.Mutex // guards conn identity and all writes
	conn net.Conn
	br   *bufio.Reader

	tlsEnabled   atomic.Bool
	lastActivity atomic.Int64 // UnixNano
}

// New wraps conn. The connection starts in plaintext.
func New(conn net.Conn) *Conn {
	c := &Conn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
	}
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last successful read or write.
// Stale reads by the sweeper are acceptable; no locking is required.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TLSEnabled reports whether the stream has been upgraded to TLS.
func (c *Conn) TLSEnabled() bool { return c.tlsEnabled.Load() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. Safe to call more than once and
// from any goroutine; it is the way the sweeper and the registry unblock a
// session's reader.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// SetReadDeadline sets or clears the read deadline on the underlying stream.
func (c *Conn) SetReadDeadline(d time.Duration) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if d == 0 {
		_ = conn.SetReadDeadline(time.Time{})
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(d))
	}
}

// ReadPacket reads one frame and returns its type and payload.
//
// A cleanly closed or short-read stream returns io.EOF, never a
// ProtocolError. Malformed headers, unknown packet types and oversize frames
// return a *ProtocolError and the connection must be discarded.
//
// ReadPacket blocks and must only be called from the owning reader goroutine.
func (c *Conn) ReadPacket() (protocol.Type, []byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(c.br, header[:]); err != nil {
		return 0, nil, eofOr(err)
	}
	totalLen := binary.BigEndian.Uint32(header[:])
	if totalLen < typeLen || totalLen > maxFrame {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d out of range", totalLen)}
	}

	var typeBuf [typeLen]byte
	if _, err := io.ReadFull(c.br, typeBuf[:]); err != nil {
		return 0, nil, eofOr(err)
	}
	ptype := protocol.Type(binary.BigEndian.Uint16(typeBuf[:]))
	if !ptype.Known() {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unknown packet type %d", uint16(ptype))}
	}

	payload := make([]byte, totalLen-typeLen)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return 0, nil, eofOr(err)
	}

	c.touch()
	return ptype, payload, nil
}

// ReadMsg reads one frame and decodes its payload into v (which may be nil
// for packets without a payload).
func (c *Conn) ReadMsg(v any) (protocol.Type, error) {
	ptype, payload, err := c.ReadPacket()
	if err != nil {
		return 0, err
	}
	if v != nil {
		if err := protocol.Decode(payload, v); err != nil {
			return ptype, err
		}
	}
	return ptype, nil
}

// WritePacket frames and writes one packet. Writes are serialised by the
// send mutex; callers may invoke it concurrently.
func (c *Conn) WritePacket(ptype protocol.Type, payload []byte) error {
	if len(payload) > MaxPayload {
		return &ProtocolError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit", len(payload))}
	}

	frame := make([]byte, headerLen+typeLen+len(payload))
	binary.BigEndian.PutUint32(frame[0:], uint32(typeLen+len(payload)))
	binary.BigEndian.PutUint16(frame[headerLen:], uint16(ptype))
	copy(frame[headerLen+typeLen:], payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err := c.conn.Write(frame)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("write %s: %w", ptype, err)
	}
	c.touch()
	return nil
}

// WriteMsg serialises v and writes it as a packet of the given type.
// v may be nil for packets without a payload.
func (c *Conn) WriteMsg(ptype protocol.Type, v any) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return c.WritePacket(ptype, payload)
}

// UpgradeServer replaces the plaintext stream with a server-side TLS stream.
//
// It must be called from the reader goroutine, directly after the StartTls
// frame was read and its ack written, while no other I/O is in flight. The
// send mutex is held for the duration of the handshake so concurrent senders
// block rather than write plaintext onto the new stream.
func (c *Conn) UpgradeServer(cfg *tls.Config) error {
	return c.upgrade(func(raw net.Conn) *tls.Conn { return tls.Server(raw, cfg) })
}

// UpgradeClient replaces the plaintext stream with a client-side TLS stream.
// Same calling constraints as UpgradeServer.
func (c *Conn) UpgradeClient(cfg *tls.Config) error {
	return c.upgrade(func(raw net.Conn) *tls.Conn { return tls.Client(raw, cfg) })
}

func (c *Conn) upgrade(wrap func(net.Conn) *tls.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.br.Buffered() > 0 {
		// The peer sent frames past StartTls before the handshake; they would
		// be lost inside the buffered reader. Treat as a protocol violation.
		return &ProtocolError{Reason: "data received before TLS handshake"}
	}

	tlsConn := wrap(c.conn)
	_ = tlsConn.SetDeadline(time.Now().Add(writeDeadline))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c.conn = tlsConn
	c.br.Reset(tlsConn)
	c.tlsEnabled.Store(true)
	c.touch()
	return nil
}

// eofOr maps closed-stream conditions onto the io.EOF sentinel. A partial
// header on a dying connection is a disconnect, not a framing violation.
func eofOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}
