// Package agentloop implements the agent runtime: the loop that alternates
// between model completions and tool calls until the model answers with
// text alone.
//
// # Architecture
//
//   - Agent: runs one user message, streaming AgentEvents over a channel
//     that starts with Start and ends with End.
//   - ContextManager: the message log with token accounting, pruning of old
//     tool output and summary compaction.
//   - Pipeline: validates, approves, executes and truncates tool calls.
//     Tool failures are ToolResults, never Go errors.
//   - ToolRegistry: builtin, MCP and sub-agent tools keyed by name.
//   - LoopDetector: flags repeated actions and short cycles.
//   - SubagentTool: runs a nested, tool-restricted Agent under a deadline.
//   - Session: an Agent plus identity, turn counting and snapshots.
//
// # Quick Start
//
//	env := agentloop.NewLocalExecutionEnvironment(dir, agentloop.DefaultEnvPolicy())
//	reg := agentloop.NewToolRegistry()
//	agentloop.RegisterCoreTools(reg, agentloop.CoreToolOptions{Env: env})
//	pipeline := agentloop.NewPipeline(reg,
//	    agentloop.WithApprover(agentloop.NewApprovalManager(agentloop.PolicyOnRequest, dir)))
//	cm := agentloop.NewContextManager(prompt, 400_000, agentloop.NewTokenCounter(model))
//	agent := agentloop.NewAgent(adapter, cm, pipeline, agentloop.AgentConfig{WorkDir: dir})
//
//	for ev := range agent.Run(ctx, "list the files here") {
//	    fmt.Printf("[%s] %v\n", ev.Kind, ev.Data)
//	}
package agentloop
