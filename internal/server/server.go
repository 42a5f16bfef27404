// Package server owns the TCP accept loop and the background sweepers. It
// glues the registry, the auth service and the store into running sessions
// and tears everything down in order on shutdown: stop accepting, terminate
// sessions, join readers with a soft timeout.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/metrics"
	"go.krypton.dev/krypton/internal/registry"
	"go.krypton.dev/krypton/internal/session"
	"go.krypton.dev/krypton/internal/store"
)

const (
	// staleSweepInterval is how often idle sessions are checked.
	staleSweepInterval = 30 * time.Second

	// shutdownGrace bounds the wait for reader goroutines at shutdown.
	shutdownGrace = 5 * time.Second
)

// Config holds the listener-level settings.
type Config struct {
	// Addr is the TCP listen address (host:port).
	Addr string
	// MaxConnections caps live sessions; excess accepts are closed
	// immediately, before the hello. Zero means 1000.
	MaxConnections int
	// ConnectionTimeout evicts sessions idle longer than this. Zero means
	// 120 seconds; clients must heartbeat more often.
	ConnectionTimeout time.Duration

	ServerVersion string
	TLSConfig     *tls.Config
	TLSRequired   bool
}

// Server accepts connections and runs one session per client.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	authSvc *auth.Service
	store   *store.Store
	metrics *metrics.Metrics

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New wires a Server. Call Serve to start accepting.
func New(cfg Config, authSvc *auth.Service, st *store.Store, m *metrics.Metrics) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 120 * time.Second
	}
	return &Server{
		cfg:     cfg,
		reg:     registry.New(),
		authSvc: authSvc,
		store:   st,
		metrics: m,
	}
}

// Registry exposes the live-session registry (status surfaces, tests).
func (s *Server) Registry() *registry.Registry { return s.reg }

// Addr returns the bound listen address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve listens on the configured address and accepts until ctx is
// cancelled, then runs the shutdown sequence. It blocks for the lifetime of
// the server.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("server: listening",
		"addr", ln.Addr(),
		"tls", s.cfg.TLSConfig != nil,
		"tls_required", s.cfg.TLSRequired,
		"max_connections", s.cfg.MaxConnections,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.sweepStale(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("server: accept failed", "err", err)
			continue
		}

		if s.reg.Len() >= s.cfg.MaxConnections {
			// Resource exhaustion: close before the hello.
			slog.Warn("server: connection limit reached", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.startSession(ctx, conn)
	}

	s.shutdown()
	return nil
}

func (s *Server) startSession(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, session.Config{
		ServerVersion: s.cfg.ServerVersion,
		TLSConfig:     s.cfg.TLSConfig,
		TLSRequired:   s.cfg.TLSRequired,
		Auth:          s.authSvc,
		Store:         s.store,
		Broadcaster:   s.reg,
		Metrics:       s.metrics,
	})
	s.reg.Add(sess)
	s.metrics.SessionsLive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run(ctx)
		wasAuth := sess.UserID() != ""
		s.reg.Remove(sess.ID())
		s.metrics.SessionsLive.Dec()
		if wasAuth {
			s.metrics.SessionsAuth.Dec()
		}
	}()
}

// sweepStale evicts sessions whose last activity is older than the
// connection timeout. Runs every 30 seconds until ctx is cancelled.
func (s *Server) sweepStale(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.cfg.ConnectionTimeout)
		for _, sess := range s.reg.ListStale(cutoff) {
			slog.Info("server: evicting stale session",
				"session", sess.ID(),
				"idle_since", sess.LastActivity(),
			)
			sess.Terminate("Connection timed out")
			s.metrics.StaleEvicted.Inc()
		}
	}
}

// shutdown terminates all sessions and waits for their readers, bounded by
// the grace period.
func (s *Server) shutdown() {
	slog.Info("server: shutting down", "sessions", s.reg.Len())
	s.reg.DisconnectAll("Server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("server: shutdown grace period elapsed")
	}
}
