package main

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/agent_guard/internal/attest"
)

var verifyFlags struct {
	key    string
	issuer string
}

var verifyCmd = &cobra.Command{
	Use:   "verify-attestation TOKEN",
	Short: "Verify a verdict attestation",
	Long: `Verify the signature, issuer and expiry of a verdict attestation and
print its claims. The signing key defaults to AGENT_GUARD_ATTESTATION_KEY.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyFlags.key == "" {
			return errors.New("a signing key is required (--signing-key or AGENT_GUARD_ATTESTATION_KEY)")
		}
		claims, err := attest.NewVerifier([]byte(verifyFlags.key), verifyFlags.issuer).Verify(strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), claims)
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyFlags.key, "signing-key", os.Getenv("AGENT_GUARD_ATTESTATION_KEY"), "HS256 signing key")
	verifyCmd.Flags().StringVar(&verifyFlags.issuer, "issuer", attest.DefaultIssuer, "expected issuer")
}
