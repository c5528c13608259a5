// Command loopsy-hook is the PreToolUse hook binary claude invokes
// before running a tool, when a task's permission mode requires
// explicit approval (§4.6.5). It speaks only to its own daemon over
// loopback, using nothing beyond the standard library: this is a
// deliberately minimal process, not a daemon component, so it carries
// none of the teacher's library stack.
//
// Invocation: loopsy-hook <taskId> <daemonPort> <apiKey>
// Tool invocation JSON arrives on stdin per Claude Code's hook
// protocol; the decision JSON is printed to stdout. This binary always
// exits 0 — a hook that fails closed by crashing would hang the agent,
// so failures resolve to deny instead (§6.5).
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	pollInterval = 100 * time.Millisecond
	pollDeadline = 300 * time.Second
)

type toolInvocation struct {
	ToolName  string      `json:"tool_name"`
	ToolInput interface{} `json:"tool_input"`
}

type hookOutput struct {
	HookSpecificOutput struct {
		PermissionDecision       string `json:"permissionDecision"`
		PermissionDecisionReason string `json:"permissionDecisionReason"`
	} `json:"hookSpecificOutput"`
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 4 {
		denyAndPrint("loopsy-hook: missing taskId/daemonPort/apiKey arguments")
		return 0
	}
	taskID, daemonPort, apiKey := os.Args[1], os.Args[2], os.Args[3]

	var inv toolInvocation
	if err := json.NewDecoder(os.Stdin).Decode(&inv); err != nil {
		denyAndPrint("loopsy-hook: could not parse tool invocation: " + err.Error())
		return 0
	}

	requestID, err := newRequestID()
	if err != nil {
		denyAndPrint("loopsy-hook: could not generate requestId")
		return 0
	}

	base := "http://127.0.0.1:" + daemonPort + "/api/v1/ai-tasks/" + taskID
	client := &http.Client{Timeout: 5 * time.Second}

	if err := postPermissionRequest(client, base, apiKey, requestID, inv); err != nil {
		denyAndPrint("loopsy-hook: permission-request failed: " + err.Error())
		return 0
	}

	approved, reason, err := pollForResponse(client, base, apiKey, requestID)
	if err != nil {
		denyAndPrint("loopsy-hook: " + err.Error())
		return 0
	}

	out := hookOutput{}
	if approved {
		out.HookSpecificOutput.PermissionDecision = "allow"
	} else {
		out.HookSpecificOutput.PermissionDecision = "deny"
		out.HookSpecificOutput.PermissionDecisionReason = reason
	}
	json.NewEncoder(os.Stdout).Encode(out)
	return 0
}

func newRequestID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b)), nil
}

func postPermissionRequest(client *http.Client, base, apiKey, requestID string, inv toolInvocation) error {
	body, err := json.Marshal(map[string]interface{}{
		"requestId":   requestID,
		"toolName":    inv.ToolName,
		"toolInput":   inv.ToolInput,
		"description": "Claude requested to use " + inv.ToolName,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, base+"/permission-request", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

type pollResponse struct {
	Resolved bool   `json:"resolved"`
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

func pollForResponse(client *http.Client, base, apiKey, requestID string) (approved bool, reason string, err error) {
	deadline := time.Now().Add(pollDeadline)
	url := base + "/permission-response?requestId=" + requestID
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)

		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return false, "", err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		resp, err := client.Do(req)
		if err != nil {
			continue // transient network hiccup; keep polling until the deadline
		}
		var pr pollResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&pr)
		resp.Body.Close()
		if decodeErr != nil {
			continue
		}
		if pr.Resolved {
			return pr.Approved, pr.Message, nil
		}
	}
	return false, "permission request timed out after 300s", nil
}

func denyAndPrint(reason string) {
	var out hookOutput
	out.HookSpecificOutput.PermissionDecision = "deny"
	out.HookSpecificOutput.PermissionDecisionReason = reason
	json.NewEncoder(os.Stdout).Encode(out)
}
