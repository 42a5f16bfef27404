package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/store"
)

func newCleanupCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict clipboard entries older than a cutoff",
		Long: `Deletes clipboard entries older than --days across all users, plus any
image blobs left orphaned on disk. --dry-run reports what would be removed
without touching the database. The running server applies the same policy
periodically when [cleanup] is enabled.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runCleanup(v) },
	}

	f := cmd.Flags()
	f.Int("days", 30, "evict entries older than this many days")
	f.Int("image-days", 0, "separate cutoff for IMAGE entries (0 = use --days only)")
	f.Bool("dry-run", false, "report matches without deleting")
	addConfigFlag(cmd)

	return cmd
}

func runCleanup(v *viper.Viper) error {
	days := v.GetInt("days")
	imageDays := v.GetInt("image-days")
	if days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	return withStore(v, func(st *store.Store) error {
		if v.GetBool("dry-run") {
			n, err := st.CountOlderThan(days, "")
			if err != nil {
				return err
			}
			fmt.Printf("would evict %d entries older than %d days\n", n, days)
			if imageDays > 0 {
				ni, err := st.CountOlderThan(imageDays, protocol.ContentImage)
				if err != nil {
					return err
				}
				fmt.Printf("would evict %d image entries older than %d days\n", ni, imageDays)
			}
			return nil
		}

		n, err := st.CleanupOlderThan(days, "")
		if err != nil {
			return err
		}
		fmt.Printf("evicted %d entries older than %d days\n", n, days)
		if imageDays > 0 {
			ni, err := st.CleanupOlderThan(imageDays, protocol.ContentImage)
			if err != nil {
				return err
			}
			fmt.Printf("evicted %d image entries older than %d days\n", ni, imageDays)
		}
		orphans, err := st.SweepOrphanBlobs()
		if err != nil {
			return err
		}
		if orphans > 0 {
			fmt.Printf("removed %d orphaned image blobs\n", orphans)
		}
		return nil
	})
}
