package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/convoyctl/convoy/pkg/auth"
	"github.com/convoyctl/convoy/pkg/providers"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider API tokens",
		Long: `Store provider API tokens in the system keyring. Environment variables
(HCLOUD_TOKEN, FLY_API_TOKEN, CONVOY_<PROVIDER>_TOKEN) take precedence over
stored tokens.`,
	}

	cmd.AddCommand(newAuthSetCommand())
	cmd.AddCommand(newAuthRemoveCommand())
	cmd.AddCommand(newAuthListCommand())
	return cmd
}

func newAuthSetCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a provider token in the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := auth.NormalizeProvider(args[0])

			if token == "" {
				fmt.Fprintf(os.Stderr, "token for %s: ", provider)
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = strings.TrimSpace(string(raw))
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}

			if err := auth.DefaultStore().SetToken(provider, token); err != nil {
				return err
			}
			log.Info().Str("provider", provider).Msg("token stored")
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "token value (prompted when omitted)")
	return cmd
}

func newAuthRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <provider>",
		Short: "Remove a stored provider token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := auth.NormalizeProvider(args[0])
			if err := auth.DefaultStore().DeleteToken(provider); err != nil {
				return err
			}
			log.Info().Str("provider", provider).Msg("token removed")
			return nil
		},
	}
}

func newAuthListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers and token availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := auth.DefaultStore()
			for _, name := range providers.List() {
				status := "no token"
				if _, err := store.GetToken(name); err == nil {
					status = "token available"
				}
				fmt.Printf("%-12s %s\n", name, status)
			}
			return nil
		},
	}
}
