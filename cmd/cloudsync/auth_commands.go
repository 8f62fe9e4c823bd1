package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cloudsync/internal/auth"
	"cloudsync/internal/provider/localfs"
)

func newAuthCommand(ctx *commandContext) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage profile sessions",
	}

	authCmd.AddCommand(newAuthLoginLocalCommand(ctx))
	authCmd.AddCommand(newAuthListCommand(ctx))
	authCmd.AddCommand(newAuthLogoutCommand(ctx))

	return authCmd
}

func (c *commandContext) sessionStore() (*auth.FileStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return auth.NewFileStore(cfg.Paths.SessionFile), nil
}

func newAuthLoginLocalCommand(ctx *commandContext) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "login-local <profile>",
		Short: "Bind a profile to the local directory provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.sessionStore()
			if err != nil {
				return err
			}
			session := &auth.Session{
				ProfileID: strings.TrimSpace(args[0]),
				Provider:  localfs.Kind,
			}
			if ttl > 0 {
				session.ExpiresAt = time.Now().UTC().Add(ttl)
			}
			if err := store.Save(session); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile %s now syncs from the %s provider\n", session.ProfileID, localfs.Kind)
			if cfg, _ := ctx.ensureConfig(); cfg != nil && strings.TrimSpace(cfg.Provider.LocalRoot) == "" {
				fmt.Fprintln(out, "Warning: provider.local_root is not set; syncs will fail until it is")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "expires-in", 0, "Session lifetime (0 never expires)")
	return cmd
}

func newAuthListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.sessionStore()
			if err != nil {
				return err
			}
			profiles, err := store.Profiles()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(profiles) == 0 {
				fmt.Fprintln(out, "No sessions stored")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(profiles))
			for _, profile := range profiles {
				session, err := store.Session(cmd.Context(), profile)
				if err != nil {
					return err
				}
				expires := "never"
				if !session.ExpiresAt.IsZero() {
					expires = session.ExpiresAt.Local().Format(time.RFC3339)
				}
				rows = append(rows, []string{profile, session.Provider, yesNo(session.Valid(now)), expires})
			}
			fmt.Fprintln(out, renderTable([]string{"Profile", "Provider", "Valid", "Expires"}, rows, nil))
			return nil
		},
	}
}

func newAuthLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <profile>",
		Short: "Remove a profile's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.sessionStore()
			if err != nil {
				return err
			}
			profile := strings.TrimSpace(args[0])
			if err := store.Delete(profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed session for %s\n", profile)
			return nil
		},
	}
}
