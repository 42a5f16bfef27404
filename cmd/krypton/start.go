package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/metrics"
	"go.krypton.dev/krypton/internal/retention"
	"go.krypton.dev/krypton/internal/server"
	"go.krypton.dev/krypton/internal/tlsconf"
)

// selfSignedValidity is the lifetime of a generated dev certificate.
const selfSignedValidity = 90 * 24 * time.Hour

func newStartCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the clipboard sync server",
		Long: `Starts the krypton server: accepts client connections, authenticates
them, persists clipboard history and fans pushes out to each user's other
devices.

Config file search order:
  /etc/krypton/krypton.toml
  $HOME/.config/krypton/krypton.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → KRYPTON_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runStart(v) },
	}

	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runStart(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	slog.Info("krypton server starting",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"db", cfg.Database.Path,
		"tls", cfg.TLS.Enabled,
		"cleanup", cfg.Cleanup.Enabled,
	)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tlsCfg, err := buildTLS(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go m.Serve(cfg.Metrics.ListenAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cleanup.Enabled {
		sweeper := retention.New(retention.Config{
			Interval:           time.Duration(cfg.Cleanup.IntervalHours) * time.Hour,
			RetentionDays:      cfg.Cleanup.RetentionDays,
			ImageRetentionDays: cfg.Cleanup.ImageRetentionDays,
		}, st, m)
		go sweeper.Run(ctx)
	}

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr(),
		MaxConnections:    cfg.Server.MaxConnections,
		ConnectionTimeout: cfg.Server.ConnectionTimeout(),
		ServerVersion:     Version,
		TLSConfig:         tlsCfg,
		TLSRequired:       cfg.TLS.Required,
	}, auth.New(st), st, m)

	return srv.Serve(ctx)
}

// buildTLS returns the server TLS config, or nil when TLS is disabled. With
// TLS enabled but no cert/key configured a self-signed certificate is
// generated and its fingerprint logged for client pinning.
func buildTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	if cfg.TLS.CertFile != "" {
		tlsCfg, err := tlsconf.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		slog.Info("tls: loaded certificate", "cert", cfg.TLS.CertFile)
		return tlsCfg, nil
	}

	tlsCfg, fingerprint, err := tlsconf.SelfSigned("", selfSignedValidity)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	slog.Warn("tls: using self-signed certificate",
		"sha256_fingerprint", fingerprint,
		"valid_for", selfSignedValidity,
	)
	return tlsCfg, nil
}
