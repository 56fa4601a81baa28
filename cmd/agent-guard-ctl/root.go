package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/agent_guard/internal/client"
)

var (
	// Global flags
	serverURL string
	apiKey    string
	timeout   time.Duration
	retries   uint
)

var rootCmd = &cobra.Command{
	Use:   "agent-guard-ctl",
	Short: "Operate the agent guard decision service",
	Long: `agent-guard-ctl submits messages for a decision, manages agent isolation,
verifies verdict attestations and administers API keys.

The server URL and API key default to AGENT_GUARD_URL and AGENT_GUARD_KEY.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var code exitCodeError
	if errors.As(err, &code) {
		os.Exit(code.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENT_GUARD_URL", "http://localhost:8080"), "decision service base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "key", os.Getenv("AGENT_GUARD_KEY"), "API key")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "request timeout")
	rootCmd.PersistentFlags().UintVar(&retries, "retries", 3, "attempts for requests failing with 502, 503 or 504")
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, apiKey, client.WithRetries(retries))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
