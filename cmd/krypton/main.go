// krypton: cross-device clipboard synchronisation server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.krypton.dev/krypton/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "krypton",
		Short: "Cross-device clipboard synchronisation server",
		Long: `krypton keeps clipboard history in sync across a user's devices over a
persistent TCP connection with an in-band TLS upgrade. Each user's history is
private; pushes fan out to the user's other connected devices in real time.

Run "krypton setup" once to write a config file and create the first admin
account, then "krypton start" to run the server. The user/apikey/cleanup
commands administer the database directly and can run beside a live server.

Config file search order (first found wins):
  /etc/krypton/krypton.toml
  $HOME/.config/krypton/krypton.toml
  path supplied via --config

All settings can be overridden via KRYPTON_<KEY> env vars or flags.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newStartCmd(),
		newSetupCmd(),
		newUserCmd(),
		newAPIKeyCmd(),
		newCleanupCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("krypton %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string, addSource bool) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level, addSource)
}
