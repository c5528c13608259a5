package aitask

import (
	"fmt"
	"strings"
)

// buildArgs constructs the per-agent argument vector per §6.3.
func buildArgs(agent Agent, p DispatchParams) []string {
	switch agent {
	case AgentClaude:
		return claudeArgs(p)
	case AgentGemini:
		return geminiArgs(p)
	case AgentCodex:
		return codexArgs(p)
	}
	return nil
}

func claudeArgs(p DispatchParams) []string {
	args := []string{"-p", p.Prompt, "--output-format", "stream-json", "--verbose"}
	mode := p.PermissionMode
	if mode == "" {
		mode = ModeDefault
	}
	args = append(args, "--permission-mode", string(mode))
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.MaxBudgetUsd > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%g", p.MaxBudgetUsd))
	}
	if len(p.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(p.AllowedTools, " "))
	}
	if len(p.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(p.DisallowedTools, " "))
	}
	if p.Cwd != "" {
		args = append(args, "--add-dir", p.Cwd)
	}
	if mode == ModeBypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, p.AdditionalArgs...)
	return args
}

func geminiArgs(p DispatchParams) []string {
	args := []string{"-p", p.Prompt, "--output-format", "stream-json"}
	switch p.PermissionMode {
	case ModeBypassPermissions:
		args = append(args, "--yolo")
	case ModeAcceptEdits:
		args = append(args, "--approval-mode", "auto_edit")
	}
	if p.Model != "" {
		args = append(args, "-m", p.Model)
	}
	args = append(args, p.AdditionalArgs...)
	return args
}

func codexArgs(p DispatchParams) []string {
	args := []string{"exec", p.Prompt, "--json", "--skip-git-repo-check"}
	if p.PermissionMode == ModeBypassPermissions || p.PermissionMode == ModeAcceptEdits {
		args = append(args, "--full-auto")
	}
	if p.Model != "" {
		args = append(args, "-m", p.Model)
	}
	if p.Cwd != "" {
		args = append(args, "--cd", p.Cwd)
	}
	args = append(args, p.AdditionalArgs...)
	return args
}

// sanitizeEnv strips agent-specific credential-leak vectors and
// injects the callback variables the hook needs (§4.6.2).
func sanitizeEnv(base []string, agent Agent, taskID string, daemonPort int, apiKey string) []string {
	out := make([]string, 0, len(base)+3)
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if strippedForAgent(agent, k) {
			continue
		}
		out = append(out, kv)
	}
	out = append(out,
		"LOOPSY_TASK_ID="+taskID,
		fmt.Sprintf("LOOPSY_DAEMON_PORT=%d", daemonPort),
		"LOOPSY_API_KEY="+apiKey,
	)
	return out
}

func strippedForAgent(agent Agent, key string) bool {
	switch agent {
	case AgentClaude:
		return hasAnyPrefix(key, "CLAUDE", "ANTHROPIC_", "OTEL_", "MCP_")
	case AgentGemini:
		return hasAnyPrefix(key, "GEMINI_") && key != "GEMINI_API_KEY"
	case AgentCodex:
		return hasAnyPrefix(key, "CODEX_") && key != "CODEX_API_KEY"
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
