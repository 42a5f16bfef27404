package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/store"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(
		newAPIKeyListCmd(),
		newAPIKeyGenerateCmd(),
		newAPIKeyRevokeCmd(),
	)
	return cmd
}

func newAPIKeyListCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "list <username>",
		Short:   "List a user's API keys",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(v, func(st *store.Store) error {
				u, err := st.UserByUsername(args[0])
				if err != nil {
					return err
				}
				keys, err := st.ListAPIKeys(u.ID)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tREVOKED\tLAST USED\tEXPIRES")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
						k.ID, k.Name, k.Revoked, formatTime(k.LastUsedAt), formatTime(k.ExpiresAt))
				}
				return w.Flush()
			})
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func newAPIKeyGenerateCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "generate <username>",
		Short:   "Mint a new API key for a user",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(v, func(st *store.Store) error {
				u, err := st.UserByUsername(args[0])
				if err != nil {
					return err
				}
				var expiresAt *time.Time
				if days := v.GetInt("expires-days"); days > 0 {
					t := time.Now().AddDate(0, 0, days)
					expiresAt = &t
				}
				k, err := st.CreateAPIKey(u.ID, v.GetString("name"), expiresAt)
				if err != nil {
					return err
				}
				fmt.Printf("api key %s (shown once): %s\n", k.ID, k.Key)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "CLI", "display name for the key")
	cmd.Flags().Int("expires-days", 0, "expiry in days (0 = never)")
	addConfigFlag(cmd)
	return cmd
}

func newAPIKeyRevokeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "revoke <key-id>",
		Short:   "Revoke an API key",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(v, func(st *store.Store) error {
				if err := st.RevokeAPIKey(args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
	addConfigFlag(cmd)
	return cmd
}
