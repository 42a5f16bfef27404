package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(
		newUserListCmd(),
		newUserAddCmd(),
		newUserDeleteCmd(),
		newUserSetAdminCmd(),
	)
	return cmd
}

func newUserListCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List all accounts",
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, _ []string) error {
			return withStore(v, func(st *store.Store) error {
				users, err := st.ListUsers()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "USERNAME\tID\tADMIN\tACTIVE\tENTRIES\tLAST LOGIN")
				for _, u := range users {
					n, err := st.EntryCount(u.ID)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%d\t%s\n",
						u.Username, u.ID, u.IsAdmin, u.IsActive, n, formatTime(u.LastLoginAt))
				}
				return w.Flush()
			})
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func newUserAddCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "add <username>",
		Short:   "Create an account",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, args []string) error {
			password := v.GetString("password")
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			return withStore(v, func(st *store.Store) error {
				hash, err := auth.HashPassword(password)
				if err != nil {
					return err
				}
				u, err := st.CreateUser(args[0], hash, v.GetBool("admin"))
				if err != nil {
					return err
				}
				fmt.Printf("created %q (%s)\n", u.Username, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("password", "", "password for the new account")
	cmd.Flags().Bool("admin", false, "grant admin")
	addConfigFlag(cmd)
	return cmd
}

func newUserDeleteCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "delete <username>",
		Short:   "Delete an account, its keys and its clipboard history",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(v, func(st *store.Store) error {
				u, err := st.UserByUsername(args[0])
				if err != nil {
					return err
				}
				if err := st.DeleteUser(u.ID); err != nil {
					return err
				}
				fmt.Printf("deleted %q\n", u.Username)
				return nil
			})
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func newUserSetAdminCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "set-admin <username>",
		Short:   "Grant or revoke admin on an account",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(v, func(st *store.Store) error {
				u, err := st.UserByUsername(args[0])
				if err != nil {
					return err
				}
				grant := !v.GetBool("remove")
				if err := st.SetAdmin(u.ID, grant); err != nil {
					return err
				}
				fmt.Printf("%q admin=%v\n", u.Username, grant)
				return nil
			})
		},
	}
	cmd.Flags().Bool("remove", false, "revoke admin instead of granting it")
	addConfigFlag(cmd)
	return cmd
}

// withStore opens the configured store, runs fn, and closes it.
func withStore(v *viper.Viper, fn func(*store.Store) error) error {
	setupLogging(v)
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
