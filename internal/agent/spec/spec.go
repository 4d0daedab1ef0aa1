// Package spec describes the surface area of each supported external
// coding-assistant CLI as data. The runtime walks an AgentSpec to build
// argv, environment, and stream parsing; new CLIs are added as entries
// in specs.json, not as code.
package spec

import (
	"encoding/json"
	"fmt"
)

// OutputFormat is how a CLI emits results on stdout.
type OutputFormat string

const (
	FormatStreamJSON OutputFormat = "stream-json" // one JSON event per line
	FormatJSON       OutputFormat = "json"        // single JSON document
	FormatPlain      OutputFormat = "plain"       // raw text
)

// Mode selects how the CLI is driven.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeStreaming   Mode = "streaming"
)

// PromptStyle describes how the prompt text is attached to argv:
// either as a positional argument or behind a flag.
type PromptStyle struct {
	Flag string // empty means positional
}

// Positional reports whether the prompt is passed as a positional arg.
func (p PromptStyle) Positional() bool { return p.Flag == "" }

// UnmarshalJSON accepts either the string "positional" or {"flag": "..."}.
func (p *PromptStyle) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "positional" {
			return fmt.Errorf("unknown prompt style %q", s)
		}
		p.Flag = ""
		return nil
	}
	var obj struct {
		Flag string `json:"flag"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid prompt style: %w", err)
	}
	if obj.Flag == "" {
		return fmt.Errorf("prompt style flag must not be empty")
	}
	p.Flag = obj.Flag
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (p PromptStyle) MarshalJSON() ([]byte, error) {
	if p.Positional() {
		return json.Marshal("positional")
	}
	return json.Marshal(struct {
		Flag string `json:"flag"`
	}{Flag: p.Flag})
}

// ModeSpec describes how to invoke the CLI in one mode.
type ModeSpec struct {
	Subcommand          string      `json:"subcommand,omitempty"`
	BaseArgs            []string    `json:"base_args,omitempty"`
	PromptStyle         PromptStyle `json:"prompt_style"`
	PrependSystemPrompt bool        `json:"prepend_system_prompt,omitempty"`
}

// Flags holds argv prefixes for optional capabilities. A nil slice
// means the CLI has no such flag.
type Flags struct {
	Model          []string `json:"model,omitempty"`
	Resume         []string `json:"resume,omitempty"`
	ApprovalBypass []string `json:"approval_bypass,omitempty"`
	SystemPrompt   []string `json:"system_prompt,omitempty"`
}

// Env describes the child process environment contract.
type Env struct {
	// Inject is overlaid on the inherited environment.
	Inject map[string]string `json:"inject,omitempty"`
	// Required lists variables external probes check for; the runtime
	// itself does not fail when they are missing.
	Required []string `json:"required,omitempty"`
}

// Output describes how to parse the CLI's stdout.
type Output struct {
	Format            OutputFormat `json:"format"`
	SessionIDField    string       `json:"session_id_field,omitempty"`
	SessionIDFieldAlt string       `json:"session_id_field_alt,omitempty"`
}

// AgentSpec is the static description of one external CLI.
type AgentSpec struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	VersionArgs []string `json:"version_args,omitempty"`

	Interactive ModeSpec `json:"interactive"`
	Streaming   ModeSpec `json:"streaming"`

	Flags  Flags  `json:"flags"`
	Env    Env    `json:"env"`
	Output Output `json:"output"`

	ModelsCommand             []string `json:"models_command,omitempty"`
	ModelRequiredForStreaming bool     `json:"model_required_for_streaming,omitempty"`

	// Docs is surfaced in blocked-task notes when the binary is missing.
	Docs string `json:"docs,omitempty"`
}

// ModeSpec returns the mode-specific invocation description.
func (s *AgentSpec) ModeSpec(mode Mode) ModeSpec {
	if mode == ModeInteractive {
		return s.Interactive
	}
	return s.Streaming
}

// SupportsResume reports whether the CLI can continue a prior session.
func (s *AgentSpec) SupportsResume() bool {
	return len(s.Flags.Resume) > 0
}

// Validate checks the structural requirements of a spec.
func (s *AgentSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("agent spec name is required")
	}
	if s.Command == "" {
		return fmt.Errorf("agent spec %q: command is required", s.Name)
	}
	switch s.Output.Format {
	case FormatStreamJSON, FormatJSON, FormatPlain:
	default:
		return fmt.Errorf("agent spec %q: unknown output format %q", s.Name, s.Output.Format)
	}
	if s.Output.Format != FormatPlain && s.Output.SessionIDField == "" {
		return fmt.Errorf("agent spec %q: session id field is required for %s output",
			s.Name, s.Output.Format)
	}
	return nil
}
