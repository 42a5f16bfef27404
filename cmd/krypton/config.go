package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/logging"
	"go.krypton.dev/krypton/internal/store"
)

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and KRYPTON_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → KRYPTON_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	config.SetDefaults(v)

	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("krypton")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/krypton/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(fmt.Sprintf("%s/.config/krypton", home))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("KRYPTON")
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("verbose", false, "log at debug level")
	cmd.Flags().Bool("debug", false, "include file:line in log records")
	cmd.Flags().String("log-format", "", "log format: auto|text|json (default from config)")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default from config)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// setupLogging reads logging flags and config keys from viper and configures
// slog. Flags win over the [logging] config section.
func setupLogging(v *viper.Viper) {
	format := v.GetString("log-format")
	if format == "" {
		format = v.GetString("logging.format")
	}
	level := v.GetString("log-level")
	if level == "" {
		level = v.GetString("logging.level")
	}
	if v.GetBool("verbose") {
		level = "debug"
	}
	interactive := logging.IsTTY(os.Stderr)
	resolveLogging(interactive, format, level, v.GetBool("debug"))
}

// loadConfig resolves the validated configuration for a command whose flags
// are already bound.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	return config.Load(v)
}

// openStore opens the SQLite store named by the config, wiring external
// image storage when enabled.
func openStore(cfg *config.Config) (*store.Store, error) {
	var opts []store.Option
	if cfg.Images.Enabled {
		opts = append(opts, store.WithImagesRoot(cfg.Images.Root))
	}
	return store.Open(cfg.Database.Path, opts...)
}
