package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/agent_guard/internal/api"
)

var checkFlags struct {
	sender    string
	recipient string
	content   string
	file      string
}

var reasonFlag string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Submit a message for a decision",
	Long: `Submit one inter-agent message and print the verdict.

The content is read from --content, or from --file ("-" for stdin).

Exit status is 0 for ALLOW, 2 for FLAG and 3 for ESCALATE.`,
	RunE: runCheck,
}

var isolateCmd = &cobra.Command{
	Use:   "isolate AGENT_ID",
	Short: "Isolate an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, args[0], true)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release AGENT_ID",
	Short: "Release an isolated agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, args[0], false)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state AGENT_ID",
	Short: "Show an agent's isolation state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, err := c.State(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List isolated agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		list, err := c.Isolated(ctx)
		if err != nil {
			return err
		}
		return printAgents(cmd.OutOrStdout(), list.Agents)
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the policy in force",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		p, err := c.Policy(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd, isolateCmd, releaseCmd, stateCmd, listCmd, policyCmd)

	checkCmd.Flags().StringVar(&checkFlags.sender, "sender", "", "sending agent id")
	checkCmd.Flags().StringVar(&checkFlags.recipient, "recipient", "", "receiving agent id")
	checkCmd.Flags().StringVar(&checkFlags.content, "content", "", "message content")
	checkCmd.Flags().StringVarP(&checkFlags.file, "file", "f", "", "read content from a file, - for stdin")
	_ = checkCmd.MarkFlagRequired("sender")
	_ = checkCmd.MarkFlagRequired("recipient")
	checkCmd.MarkFlagsMutuallyExclusive("content", "file")

	for _, c := range []*cobra.Command{isolateCmd, releaseCmd} {
		c.Flags().StringVar(&reasonFlag, "reason", "", "reason recorded with the transition")
	}
}

// exitCodeError carries a verdict-specific exit status.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func runCheck(cmd *cobra.Command, _ []string) error {
	content := checkFlags.content
	if checkFlags.file != "" {
		var r io.Reader = cmd.InOrStdin()
		if checkFlags.file != "-" {
			f, err := os.Open(checkFlags.file)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		content = string(data)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	v, err := c.Intercept(ctx, api.InterceptRequest{
		Sender:    checkFlags.sender,
		Recipient: checkFlags.recipient,
		Content:   content,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), v); err != nil {
		return err
	}
	switch v.Action {
	case "FLAG":
		return exitCodeError{2}
	case "ESCALATE":
		return exitCodeError{3}
	}
	return nil
}

func control(cmd *cobra.Command, id string, isolate bool) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var res *api.ControlResponse
	if isolate {
		res, err = c.Isolate(ctx, id, reasonFlag)
	} else {
		res, err = c.Release(ctx, id, reasonFlag)
	}
	if err != nil {
		return err
	}
	if !res.Changed {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s already %s, nothing changed\n", res.AgentID, res.State)
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func printAgents(w io.Writer, agents []api.AgentStateResp) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSOURCE\tISOLATED AT\tEXPIRES\tREASON")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.AgentID, a.Source, formatTime(a.IsolatedAt), formatTime(a.ExpiresAt), a.Reason)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
