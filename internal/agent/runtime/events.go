package runtime

import (
	"github.com/bloom/bloom/internal/agent/spec"
)

// Kind is the closed set of normalized event kinds. Every CLI's
// proprietary stream collapses into these.
type Kind string

const (
	KindAssistantText Kind = "assistant_text"
	KindToolUse       Kind = "tool_use"
	KindToolResult    Kind = "tool_result"
	KindResult        Kind = "result"
	KindError         Kind = "error"
	KindInit          Kind = "init"
	KindSession       Kind = "session"
	KindHook          Kind = "hook"
	KindUnknown       Kind = "unknown"
)

// Event is the uniform internal event produced from one decoded stream
// line. Raw retains the original decoded object for subscribers that
// need CLI-specific fields.
type Event struct {
	Kind       Kind
	Text       string  // assistant text, tool result content, or error message
	ToolName   string  // KindToolUse
	SessionID  string  // KindInit / KindSession, or any event carrying the id field
	Model      string  // KindInit
	CostUSD    float64 // KindResult
	DurationMs float64 // KindResult
	HasCost    bool
	Raw        map[string]interface{}
}

func str(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// textBlocks extracts concatenated text from a content value that may
// be a string or a list of {type: "text", text: ...} blocks.
func textBlocks(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case []interface{}:
		var out string
		for _, item := range c {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if t := str(block, "type"); t != "" && t != "text" {
				continue
			}
			out += str(block, "text")
		}
		return out
	}
	return ""
}

// normalizeEvent maps a decoded stream line into the uniform Event. The
// session id is pulled from the spec's configured field on any event
// that carries it. Unknown types map to KindUnknown but still count as
// activity at the call site.
func normalizeEvent(raw map[string]interface{}, out spec.Output) Event {
	ev := Event{Kind: KindUnknown, Raw: raw}

	if out.SessionIDField != "" {
		ev.SessionID = str(raw, out.SessionIDField)
	}
	if ev.SessionID == "" && out.SessionIDFieldAlt != "" {
		ev.SessionID = str(raw, out.SessionIDFieldAlt)
	}

	switch str(raw, "type") {
	case "assistant", "message":
		ev.Kind = KindAssistantText
		if msg, ok := raw["message"].(map[string]interface{}); ok {
			ev.Text = textBlocks(msg["content"])
		} else {
			ev.Text = textBlocks(raw["content"])
		}

	case "content_block_delta":
		ev.Kind = KindAssistantText
		if delta, ok := raw["delta"].(map[string]interface{}); ok {
			ev.Text = str(delta, "text")
		}

	case "text":
		ev.Kind = KindAssistantText
		ev.Text = str(raw, "text")

	case "tool_use", "tool_call":
		ev.Kind = KindToolUse
		ev.ToolName = str(raw, "name")
		if ev.ToolName == "" {
			ev.ToolName = str(raw, "tool_name")
		}

	case "tool_result", "tool_response":
		ev.Kind = KindToolResult
		ev.Text = textBlocks(raw["content"])

	case "result", "done", "complete", "finish":
		ev.Kind = KindResult
		if cost, ok := num(raw, "total_cost_usd"); ok {
			ev.CostUSD, ev.HasCost = cost, true
		} else if cost, ok := num(raw, "cost_usd"); ok {
			ev.CostUSD, ev.HasCost = cost, true
		}
		if d, ok := num(raw, "duration_ms"); ok {
			ev.DurationMs = d
		}

	case "error":
		ev.Kind = KindError
		if inner, ok := raw["error"].(map[string]interface{}); ok {
			ev.Text = str(inner, "message")
		}
		if ev.Text == "" {
			ev.Text = str(raw, "message")
		}
		if ev.Text == "" {
			ev.Text = textBlocks(raw["content"])
		}
		if ev.Text == "" {
			ev.Text = "unknown error"
		}

	case "system":
		switch str(raw, "subtype") {
		case "init":
			ev.Kind = KindInit
			if ev.SessionID == "" {
				ev.SessionID = str(raw, "session_id")
			}
			ev.Model = str(raw, "model")
		case "hook_started", "hook_response":
			ev.Kind = KindHook
		}

	case "session":
		ev.Kind = KindSession
	}

	return ev
}
