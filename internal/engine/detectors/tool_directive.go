package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Patterns that smuggle an executable payload to a tool-using recipient.
var toolDirectiveRules = ruleSet{
	{regexp.MustCompile(`(?i)\b(run|execute|call|invoke)\s+(the\s+)?(shell|bash|terminal|command|os\.system|subprocess|eval|exec)\b`), 0.85, "directive: shell execution"},
	{regexp.MustCompile(`(?i)\brm\s+-rf\s+/`), 0.95, "destructive command: rm -rf"},
	{regexp.MustCompile(`(?i)\b(mkfs|fdisk|shutdown|reboot|killall)\b`), 0.80, "destructive command"},
	{regexp.MustCompile(`(?i)\bchmod\s+777\b`), 0.75, "permission change: chmod 777"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\s+[^|]*\|\s*(ba|z)?sh\b`), 0.95, "remote script piped to shell"},
	{regexp.MustCompile(`[;&|]\s*(cat|whoami|id|uname|nc|ncat|bash|sh|python|perl)\b`), 0.80, "command chaining"},
	{regexp.MustCompile(`\$\([^)]+\)`), 0.60, "command substitution"},
	{regexp.MustCompile(`>\s*/etc/`), 0.85, "write to /etc"},

	{regexp.MustCompile(`(?i)\b(DROP|TRUNCATE|ALTER)\s+(TABLE|DATABASE|INDEX|SCHEMA)\b`), 0.90, "SQL: destructive statement"},
	{regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`), 0.85, "SQL: union select"},
	{regexp.MustCompile(`(?i);\s*(DROP|DELETE|TRUNCATE|ALTER|INSERT|UPDATE)\b`), 0.90, "SQL: stacked statement"},
	{regexp.MustCompile(`(?i)\bOR\s+1\s*=\s*1\b`), 0.85, "SQL: tautology"},
	{regexp.MustCompile(`(?i)\bxp_cmdshell\b`), 0.95, "SQL: xp_cmdshell"},
	{regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`), 0.90, "SQL: into outfile"},
}

// ToolDirective flags messages that carry shell or SQL payloads for a
// tool-using recipient to execute.
type ToolDirective struct{}

func NewToolDirective() *ToolDirective { return &ToolDirective{} }

func (s *ToolDirective) Name() string    { return "tool_directive" }
func (s *ToolDirective) Tag() string     { return "tool-abuse-like" }
func (s *ToolDirective) Weight() float64 { return 0.9 }

func (s *ToolDirective) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	return result(toolDirectiveRules.best(ctx, req.Content)), nil
}
