package runtime

import (
	"fmt"
	"io"
)

// renderer writes the human-readable form of the event stream. The TUI
// and the tests depend on these exact markers.
type renderer struct {
	w       io.Writer
	verbose bool
}

const resultPreviewLimit = 200

func (r *renderer) event(ev Event) {
	switch ev.Kind {
	case KindAssistantText:
		if ev.Text != "" {
			fmt.Fprint(r.w, ev.Text)
		}
	case KindToolUse:
		fmt.Fprintf(r.w, "\n[tool: %s]\n", ev.ToolName)
	case KindToolResult:
		if r.verbose && ev.Text != "" {
			preview := ev.Text
			// truncate on runes so a multibyte character is never split
			if runes := []rune(preview); len(runes) > resultPreviewLimit {
				preview = string(runes[:resultPreviewLimit]) + "…"
			}
			fmt.Fprintf(r.w, "[result] %s\n", preview)
		} else {
			fmt.Fprint(r.w, "[result]\n")
		}
	case KindResult:
		if ev.HasCost {
			fmt.Fprintf(r.w, "\n[cost: $%.4f]\n", ev.CostUSD)
		}
		if ev.DurationMs > 0 {
			fmt.Fprintf(r.w, "[duration: %.1fs]\n", ev.DurationMs/1000)
		}
	case KindError:
		fmt.Fprintf(r.w, "\n[ERROR: %s]\n", ev.Text)
	case KindInit:
		if ev.SessionID != "" {
			fmt.Fprintf(r.w, "[session: %s]\n", ev.SessionID)
		}
		if ev.Model != "" {
			fmt.Fprintf(r.w, "[model: %s]\n", ev.Model)
		}
	}
}

func (r *renderer) raw(line string) {
	fmt.Fprintln(r.w, line)
}

func (r *renderer) heartbeat(elapsedSec int) {
	fmt.Fprintf(r.w, "[heartbeat %ds] ", elapsedSec)
}

func (r *renderer) timeout(elapsedSec int) {
	fmt.Fprintf(r.w, "\n[TIMEOUT] No activity for %ds - agent may be stuck\n", elapsedSec)
}
