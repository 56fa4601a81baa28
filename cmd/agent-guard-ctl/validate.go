package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/agent_guard/internal/config"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine/detectors"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config FILE",
	Short: "Validate a server configuration file",
	Long: `Load FILE the way the server does, with AGENT_GUARD_* environment
overrides applied, and report every problem found.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		if _, err := cfg.KeyRecords(); err != nil {
			return err
		}
		if _, err := detectors.Build(cfg.Scoring.Signals, detectors.Options{TrendMinSamples: cfg.Scoring.TrendMinSamples}); err != nil {
			return err
		}
		p := cfg.Policy.Policy
		fmt.Fprintf(cmd.OutOrStdout(), "ok: flag >= %.2f, escalate >= %.2f, auto-isolate %v, %s\n",
			p.FlagThreshold, p.EscalateThreshold, p.AutoIsolateOnEscalate, p.FailurePolicy)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
