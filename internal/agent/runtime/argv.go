package runtime

import (
	"errors"
	"fmt"

	"github.com/bloom/bloom/internal/agent/spec"
)

// ErrMissingModel is returned when streaming mode requires a model and
// none was supplied.
var ErrMissingModel = errors.New("model required for streaming mode")

// buildArgv assembles the child argv (excluding the command itself) and
// the full prompt text per the spec's prompt-passing convention.
func buildArgv(s *spec.AgentSpec, mode spec.Mode, opts RunOptions) ([]string, error) {
	ms := s.ModeSpec(mode)

	var argv []string
	if ms.Subcommand != "" {
		argv = append(argv, ms.Subcommand)
	}
	argv = append(argv, ms.BaseArgs...)

	if mode == spec.ModeStreaming && len(s.Flags.ApprovalBypass) > 0 {
		argv = append(argv, s.Flags.ApprovalBypass...)
	}

	if opts.Model != "" && len(s.Flags.Model) > 0 {
		argv = append(argv, s.Flags.Model...)
		argv = append(argv, opts.Model)
	} else if s.ModelRequiredForStreaming && mode == spec.ModeStreaming && opts.Model == "" {
		return nil, fmt.Errorf("%w: agent %s", ErrMissingModel, s.Name)
	}

	if opts.SessionID != "" && len(s.Flags.Resume) > 0 {
		argv = append(argv, s.Flags.Resume...)
		argv = append(argv, opts.SessionID)
	}

	fullPrompt := opts.UserPrompt
	if ms.PrependSystemPrompt {
		if opts.SystemPrompt != "" {
			fullPrompt = opts.SystemPrompt + "\n\n" + opts.UserPrompt
		}
	} else if opts.SystemPrompt != "" && len(s.Flags.SystemPrompt) > 0 {
		argv = append(argv, s.Flags.SystemPrompt...)
		argv = append(argv, opts.SystemPrompt)
	}

	if ms.PromptStyle.Positional() {
		argv = append(argv, fullPrompt)
	} else {
		argv = append(argv, ms.PromptStyle.Flag, fullPrompt)
	}

	return argv, nil
}

// buildEnv overlays the spec's injected variables and any per-agent
// config overrides on the parent environment.
func buildEnv(parent []string, s *spec.AgentSpec, extra map[string]string) []string {
	env := make([]string, len(parent))
	copy(env, parent)
	for k, v := range s.Env.Inject {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
