// agent-guard-ctl is the operator CLI for the agent guard decision service.
//
// Usage:
//
//	# Submit a message for a decision
//	agent-guard-ctl check --sender planner --recipient executor --content "..."
//
//	# Isolate or release an agent
//	agent-guard-ctl isolate executor --reason "tool misuse"
//	agent-guard-ctl release executor
//
//	# Issue an API key stored in the SQL store
//	agent-guard-ctl keys create oncall --role operator --store guard.db
package main

func main() {
	Execute()
}
