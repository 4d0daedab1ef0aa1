// Package runtime spawns external assistant CLIs per an AgentSpec and
// translates their proprietary event streams into a uniform internal
// stream with lifecycle guarantees. The Runtime exclusively owns child
// process handles; collaborators interact through RunOptions callbacks
// and the SessionIndex.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/agent/spec"
	"github.com/bloom/bloom/internal/common/clock"
	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/events"
	"github.com/bloom/bloom/internal/events/bus"
)

// Defaults for the activity watchdog.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultActivityTimeout   = 10 * time.Minute
	DefaultHardKillGrace     = 5 * time.Second
)

// scanner buffer: agent CLIs emit single-line JSON events that can be
// hundreds of KB for large tool results.
const maxLineBytes = 10 * 1024 * 1024

// ErrSessionNotFound is returned by Interject when no session is
// running for the agent.
var ErrSessionNotFound = errors.New("no active session for agent")

// RunOptions parameterize a single agent run.
type RunOptions struct {
	AgentName        string
	TaskID           string
	SystemPrompt     string
	UserPrompt       string
	WorkingDirectory string
	SessionID        string // resume a previous session if the spec supports it
	Model            string
	ExtraEnv         map[string]string

	// Zero values fall back to the Runtime's configured defaults.
	HeartbeatInterval time.Duration
	ActivityTimeout   time.Duration

	Verbose bool
	Stdout  io.Writer // rendered event destination; nil means os.Stdout
	Stderr  io.Writer // child stderr passthrough; nil means os.Stderr

	OnEvent     func(Event)
	OnSessionID func(string) // fired once, on first sight of the session id
	OnHeartbeat func(elapsed time.Duration)
	OnTimeout   func()
}

// AgentResult is the outcome of a run. The runtime never fails across
// this boundary; every failure surfaces in Error.
type AgentResult struct {
	Success   bool
	Output    string
	SessionID string
	Error     string
	TimedOut  bool
	ExitCode  int
}

// Config holds runtime-wide defaults.
type Config struct {
	HeartbeatInterval time.Duration
	ActivityTimeout   time.Duration
	HardKillGrace     time.Duration
}

// Runtime runs agent CLIs and owns the session index.
type Runtime struct {
	cfg   Config
	index *SessionIndex
	clock clock.Clock
	bus   bus.EventBus
	log   *logger.Logger
}

// New creates a Runtime. A nil bus disables process event publishing.
func New(cfg Config, idx *SessionIndex, clk clock.Clock, eventBus bus.EventBus, log *logger.Logger) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = DefaultActivityTimeout
	}
	if cfg.HardKillGrace <= 0 {
		cfg.HardKillGrace = DefaultHardKillGrace
	}
	if idx == nil {
		idx = NewSessionIndex()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Runtime{
		cfg:   cfg,
		index: idx,
		clock: clk,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "agent-runtime")),
	}
}

// Sessions exposes the session index for collaborators that need to
// inspect or interject running agents.
func (r *Runtime) Sessions() *SessionIndex { return r.index }

// Interject looks up the running session for an agent, sends graceful
// termination, removes the index entry, and returns the session
// descriptor so the caller can launch a human takeover pane. The run's
// on-close path still executes; its result will report failure.
func (r *Runtime) Interject(agentName string) (*AgentSession, error) {
	s := r.index.take(agentName)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, agentName)
	}
	desc := s.snapshot()
	r.log.Info("interjecting agent session",
		zap.String("agent", agentName),
		zap.Int("pid", desc.PID))
	if s.process != nil {
		r.terminate(s.process, nil)
	}
	return desc, nil
}

// Run executes one agent invocation per the spec and mode. Blocking;
// returns when the child exits or is terminated.
func (r *Runtime) Run(ctx context.Context, s *spec.AgentSpec, mode spec.Mode, opts RunOptions) *AgentResult {
	argv, err := buildArgv(s, mode, opts)
	if err != nil {
		return &AgentResult{Success: false, Error: err.Error(), ExitCode: -1}
	}

	agentName := opts.AgentName
	if agentName == "" {
		agentName = s.Name
	}

	cmd := exec.Command(s.Command, argv...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = buildEnv(os.Environ(), s, opts.ExtraEnv)

	if mode == spec.ModeInteractive {
		return r.runInteractive(ctx, cmd, agentName, opts)
	}
	return r.runStreaming(ctx, cmd, s, agentName, opts)
}

// runInteractive hands the terminal to the child and waits for exit.
// No event parsing, no watchdog.
func (r *Runtime) runInteractive(ctx context.Context, cmd *exec.Cmd, agentName string, opts RunOptions) *AgentResult {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return &AgentResult{Success: false, Error: spawnError(cmd.Path, err), ExitCode: -1}
	}

	session := r.register(cmd, agentName, opts)
	defer r.index.remove(session)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(cmd.Process, done)
		case <-done:
		}
	}()

	err := cmd.Wait()
	close(done)

	exitCode := cmd.ProcessState.ExitCode()
	result := &AgentResult{
		Success:   err == nil && exitCode == 0,
		SessionID: opts.SessionID,
		ExitCode:  exitCode,
	}
	if !result.Success {
		result.Error = fmt.Sprintf("exit code %d", exitCode)
	}
	return result
}

// runStreaming pipes the child's stdio, decodes one JSON event per
// stdout line, and enforces the activity watchdog.
func (r *Runtime) runStreaming(ctx context.Context, cmd *exec.Cmd, s *spec.AgentSpec, agentName string, opts RunOptions) *AgentResult {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &AgentResult{Success: false, Error: err.Error(), ExitCode: -1}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &AgentResult{Success: false, Error: err.Error(), ExitCode: -1}
	}

	if err := cmd.Start(); err != nil {
		return &AgentResult{
			Success:  false,
			Error:    spawnError(s.Command, err) + installHint(s),
			ExitCode: -1,
		}
	}

	session := r.register(cmd, agentName, opts)
	r.publishProcess(events.AgentProcessStarted, agentName, session.PID, map[string]interface{}{
		"command": s.Command,
	})

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	errOut := opts.Stderr
	if errOut == nil {
		errOut = os.Stderr
	}
	render := &renderer{w: out, verbose: opts.Verbose}

	run := &streamRun{
		runtime:  r,
		spec:     s,
		opts:     opts,
		session:  session,
		renderer: render,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		run.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		run.readStderr(stderr, errOut)
	}()

	// watchdog and external cancellation
	exited := make(chan struct{})
	var watchdog sync.WaitGroup
	watchdog.Add(1)
	go func() {
		defer watchdog.Done()
		run.watch(ctx, cmd, exited)
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(exited)
	watchdog.Wait()

	r.index.remove(session)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}
	r.publishProcess(events.AgentProcessEnded, agentName, session.PID, map[string]interface{}{
		"exitCode": exitCode,
	})

	return run.finish(exitCode)
}

// streamRun carries the mutable state of one streaming invocation.
type streamRun struct {
	runtime  *Runtime
	spec     *spec.AgentSpec
	opts     RunOptions
	session  *AgentSession
	renderer *renderer

	mu        sync.Mutex
	output    strings.Builder
	errAccum  []string
	sessionID string // first seen wins for the returned value
	timedOut  bool
}

func (sr *streamRun) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		sr.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		sr.runtime.log.Debug("stdout reader error", zap.Error(err))
	}
}

func (sr *streamRun) handleLine(line string) {
	now := sr.runtime.clock.Now()
	sr.session.Touch(now)

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		// Not an event; raw output still counts as activity.
		sr.renderer.raw(line)
		sr.mu.Lock()
		sr.output.WriteString(line)
		sr.output.WriteString("\n")
		sr.mu.Unlock()
		sr.publishOutput(line)
		return
	}

	ev := normalizeEvent(raw, sr.spec.Output)

	if ev.SessionID != "" {
		sr.session.SetSessionID(ev.SessionID) // last write wins in the index
		sr.mu.Lock()
		first := sr.sessionID == ""
		if first {
			sr.sessionID = ev.SessionID
		}
		sr.mu.Unlock()
		if first && sr.opts.OnSessionID != nil {
			sr.opts.OnSessionID(ev.SessionID)
		}
	}

	sr.renderer.event(ev)

	switch ev.Kind {
	case KindAssistantText:
		if ev.Text != "" {
			sr.mu.Lock()
			sr.output.WriteString(ev.Text)
			sr.mu.Unlock()
			sr.publishOutput(ev.Text)
		}
	case KindError:
		sr.mu.Lock()
		sr.errAccum = append(sr.errAccum, ev.Text)
		sr.mu.Unlock()
	}

	if sr.opts.OnEvent != nil {
		sr.opts.OnEvent(ev)
	}
}

func (sr *streamRun) readStderr(stderr io.Reader, passthrough io.Writer) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		sr.session.Touch(sr.runtime.clock.Now())
		fmt.Fprintln(passthrough, scanner.Text())
	}
}

// watch fires heartbeats and enforces the activity timeout until the
// child exits or the context is cancelled.
func (sr *streamRun) watch(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}) {
	interval := sr.opts.HeartbeatInterval
	if interval <= 0 {
		interval = sr.runtime.cfg.HeartbeatInterval
	}
	timeout := sr.opts.ActivityTimeout
	if timeout <= 0 {
		timeout = sr.runtime.cfg.ActivityTimeout
	}

	ticker := sr.runtime.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-exited:
			return
		case <-ctx.Done():
			sr.runtime.terminate(cmd.Process, exited)
			return
		case <-ticker.C():
			elapsed := sr.runtime.clock.Now().Sub(sr.session.LastActivity())
			if elapsed >= timeout {
				sr.mu.Lock()
				sr.timedOut = true
				sr.mu.Unlock()
				if sr.opts.OnTimeout != nil {
					sr.opts.OnTimeout()
				}
				sr.renderer.timeout(int(elapsed.Seconds()))
				sr.runtime.terminate(cmd.Process, exited)
				return
			}
			if elapsed >= interval {
				if sr.opts.OnHeartbeat != nil {
					sr.opts.OnHeartbeat(elapsed)
				}
				sr.renderer.heartbeat(int(elapsed.Seconds()))
			}
		}
	}
}

// finish computes the AgentResult per the on-close contract.
func (sr *streamRun) finish(exitCode int) *AgentResult {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	result := &AgentResult{
		Output:    sr.output.String(),
		SessionID: sr.sessionID,
		TimedOut:  sr.timedOut,
		ExitCode:  exitCode,
	}
	result.Success = !sr.timedOut && exitCode == 0 && len(sr.errAccum) == 0

	switch {
	case sr.timedOut:
		result.Error = "timed out"
	case len(sr.errAccum) > 0:
		result.Error = strings.Join(sr.errAccum, "; ")
	case exitCode != 0:
		result.Error = fmt.Sprintf("exit code %d", exitCode)
	}
	return result
}

func (sr *streamRun) publishOutput(chunk string) {
	sr.runtime.publishProcess(events.AgentOutput, sr.session.AgentName, sr.session.PID, map[string]interface{}{
		"chunk": chunk,
	})
}

func (r *Runtime) register(cmd *exec.Cmd, agentName string, opts RunOptions) *AgentSession {
	now := r.clock.Now()
	session := &AgentSession{
		AgentName:        agentName,
		TaskID:           opts.TaskID,
		WorkingDirectory: opts.WorkingDirectory,
		StartTime:        now,
		SessionID:        opts.SessionID,
		PID:              cmd.Process.Pid,
		process:          cmd.Process,
		lastActivity:     now,
	}
	r.index.put(session)
	return session
}

// terminate sends SIGTERM and escalates to SIGKILL if the child has not
// exited within the configured grace window. exited may be nil when the
// caller cannot observe process exit.
func (r *Runtime) terminate(proc *os.Process, exited <-chan struct{}) {
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}
	go func() {
		if exited != nil {
			select {
			case <-exited:
				return
			case <-r.clock.After(r.cfg.HardKillGrace):
			}
		} else {
			<-r.clock.After(r.cfg.HardKillGrace)
		}
		if err := proc.Kill(); err == nil {
			r.log.Warn("escalated to SIGKILL", zap.Int("pid", proc.Pid))
		}
	}()
}

func (r *Runtime) publishProcess(subject, agentName string, pid int, extra map[string]interface{}) {
	if r.bus == nil {
		return
	}
	data := map[string]interface{}{
		"agentName": agentName,
		"pid":       pid,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "agent-runtime", data)); err != nil {
		r.log.Debug("failed to publish process event", zap.Error(err))
	}
}

func spawnError(command string, err error) string {
	return fmt.Sprintf("failed to start %s: %v", command, err)
}

func installHint(s *spec.AgentSpec) string {
	if s.Docs == "" {
		return ""
	}
	return " (" + s.Docs + ")"
}
