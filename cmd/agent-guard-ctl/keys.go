package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/agent_guard/internal/auth"
	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

var keysFlags struct {
	store string
	role  string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Issue, list and revoke API keys held in the SQL store, or hash a key for
declaration in the configuration file.

The store defaults to AGENT_GUARD_STORE_URL.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Issue a new API key",
	Long:  `Issue a new API key. The plaintext key is printed once and cannot be recovered.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(keysFlags.role)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			k, plaintext, err := s.CreateAPIKey(ctx, args[0], string(role))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":      k.ID,
				"name":    k.Name,
				"role":    k.Role,
				"prefix":  k.KeyPrefix,
				"api_key": plaintext,
			})
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			keys, err := s.ListAPIKeys(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tROLE\tPREFIX\tCREATED\tREVOKED")
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n", k.ID, k.Name, k.Role, k.KeyPrefix, k.CreatedAt.Format("2006-01-02 15:04"), k.Revoked)
			}
			return tw.Flush()
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			if err := s.RevokeAPIKey(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		})
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash KEY",
	Short: "Print the prefix and bcrypt hash of a key for static configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, hash, err := auth.HashKey(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"prefix": prefix, "hash": hash})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd, hashKeyCmd)

	keysCmd.PersistentFlags().StringVar(&keysFlags.store, "store", os.Getenv("AGENT_GUARD_STORE_URL"), "postgres:// URL or SQLite path")
	keysCreateCmd.Flags().StringVar(&keysFlags.role, "role", string(auth.RoleCaller), "caller or operator")
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	if keysFlags.store == "" {
		return fmt.Errorf("a store is required (--store or AGENT_GUARD_STORE_URL)")
	}
	s, err := store.Open(ctx, keysFlags.store)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}
