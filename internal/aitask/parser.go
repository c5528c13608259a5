package aitask

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// ansiPattern matches ANSI/CSI/OSC escape sequences the claude PTY
// emits around its stream-json lines (§4.6.3).
var ansiPattern = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07]*\x07|[@-Z\\-_])`)

func stripANSI(line []byte) []byte {
	return ansiPattern.ReplaceAll(line, nil)
}

// lineParser accumulates raw bytes into complete lines and emits
// canonical events via mapper.
type lineParser struct {
	agent  Agent
	carry  []byte
	mapper func(raw map[string]interface{}) []Event
}

func newLineParser(agent Agent) *lineParser {
	return &lineParser{agent: agent, mapper: mapperFor(agent)}
}

// feed splits buf (one scanned line or arbitrary byte chunk) and
// returns the canonical events produced. Callers using procsession's
// line-oriented channel pass one already-split line at a time; feed
// still tolerates embedded newlines defensively.
func (p *lineParser) feed(chunk []byte) []Event {
	var events []Event
	data := append(p.carry, chunk...)
	lines := bytes.Split(data, []byte("\n"))
	p.carry = lines[len(lines)-1]
	for _, raw := range lines[:len(lines)-1] {
		events = append(events, p.parseLine(raw)...)
	}
	return events
}

// flush processes any partial trailing fragment as a final line, used
// when the subprocess exits (§4.6.6: final partial line is flushed).
func (p *lineParser) flush() []Event {
	if len(p.carry) == 0 {
		return nil
	}
	events := p.parseLine(p.carry)
	p.carry = nil
	return events
}

func (p *lineParser) parseLine(raw []byte) []Event {
	if p.agent == AgentClaude {
		raw = stripANSI(raw)
	}
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(line, &obj); err != nil {
		return []Event{{Type: EventText, Data: string(line)}}
	}
	return p.mapper(obj)
}

func mapperFor(agent Agent) func(map[string]interface{}) []Event {
	switch agent {
	case AgentClaude:
		return mapClaude
	default:
		return mapGenericJSON
	}
}

// mapClaude implements the §6.3 claude stream-json → canonical
// mapping. permission_request/input_request are intentionally dropped:
// the out-of-band hook is the sole authority for approvals (§4.6.5).
func mapClaude(obj map[string]interface{}) []Event {
	typ, _ := obj["type"].(string)
	switch typ {
	case "assistant":
		return mapClaudeAssistant(obj)
	case "content_block_delta":
		return mapClaudeAssistant(obj)
	case "tool_use":
		return []Event{{Type: EventToolUse, Data: obj}}
	case "tool_result":
		return []Event{{Type: EventToolResult, Data: obj}}
	case "result":
		return []Event{{Type: EventResult, Data: obj}}
	case "system":
		return []Event{{Type: EventSystem, Data: obj}}
	case "rate_limit_event", "user", "permission_request", "input_request":
		return nil
	default:
		return nil
	}
}

func mapClaudeAssistant(obj map[string]interface{}) []Event {
	var events []Event
	blocks, _ := obj["content"].([]interface{})
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "thinking":
			events = append(events, Event{Type: EventThinking, Data: block})
		case "text":
			events = append(events, Event{Type: EventText, Data: block})
		case "tool_use":
			events = append(events, Event{Type: EventToolUse, Data: block})
		}
	}
	if delta, ok := obj["delta"].(map[string]interface{}); ok {
		switch delta["type"] {
		case "thinking_delta":
			events = append(events, Event{Type: EventThinking, Data: delta})
		case "text_delta":
			events = append(events, Event{Type: EventText, Data: delta})
		}
	}
	return events
}

// mapGenericJSON is a permissive fallback mapper for gemini/codex,
// which emit a flatter JSON shape; unrecognized "type" fields pass
// through as system events rather than being dropped silently.
func mapGenericJSON(obj map[string]interface{}) []Event {
	typ, _ := obj["type"].(string)
	switch typ {
	case "text", "thinking", "tool_use", "tool_result", "status", "error", "result", "exit", "system":
		return []Event{{Type: typ, Data: obj}}
	default:
		return []Event{{Type: EventSystem, Data: obj}}
	}
}
