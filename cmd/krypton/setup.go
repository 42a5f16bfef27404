package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/config"
)

func newSetupCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a default config file and create the first admin account",
		Long: `Writes a commented default config file, initialises the database, and
optionally creates the first admin account when --admin-user is given. The
freshly minted API key is printed once; store it safely.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runSetup(v) },
	}

	f := cmd.Flags()
	f.String("config-out", "krypton.toml", "where to write the default config file")
	f.Bool("force", false, "overwrite an existing config file")
	f.String("admin-user", "", "username for the initial admin account")
	f.String("admin-password", "", "password for the initial admin account")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runSetup(v *viper.Viper) error {
	setupLogging(v)

	out := v.GetString("config-out")
	if _, err := os.Stat(out); err == nil && !v.GetBool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", out)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(out, []byte(config.DefaultTOML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", out)

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	// Opening the store runs the schema migrations.
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer st.Close()
	fmt.Printf("initialised database %s\n", cfg.Database.Path)

	adminUser := v.GetString("admin-user")
	if adminUser == "" {
		return nil
	}
	adminPass := v.GetString("admin-password")
	if adminPass == "" {
		return errors.New("--admin-password is required with --admin-user")
	}

	hash, err := auth.HashPassword(adminPass)
	if err != nil {
		return err
	}
	u, err := st.CreateUser(adminUser, hash, true)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	key, err := st.CreateAPIKey(u.ID, "Setup", nil)
	if err != nil {
		return fmt.Errorf("mint api key: %w", err)
	}

	fmt.Printf("created admin account %q (%s)\n", u.Username, u.ID)
	fmt.Printf("api key (shown once): %s\n", key.Key)
	return nil
}
