package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/agent/runtime"
	"github.com/bloom/bloom/internal/agent/spec"
	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/history"
	"github.com/bloom/bloom/internal/humanq"
	"github.com/bloom/bloom/internal/task"
)

// runTask drives one claimed task through a single streaming agent run
// and writes the resulting state transition.
func (o *Orchestrator) runTask(ctx context.Context, t *task.Task, agentName string) {
	log := o.log.WithTaskID(t.ID).WithAgentName(agentName)

	agentSpec, err := o.registry.Get(agentName)
	if err != nil {
		o.failTask(t.ID, fmt.Sprintf("unknown agent %q", agentName), log)
		return
	}

	assembly, err := o.assembler.Assemble(ctx, t)
	if err != nil {
		o.failTask(t.ID, fmt.Sprintf("prompt assembly failed: %v", err), log)
		return
	}

	sessionID := ""
	if t.SessionID != "" && agentSpec.SupportsResume() {
		sessionID = t.SessionID
		log.Info("resuming agent session", zap.String("session_id", sessionID))
	}

	opts := runtime.RunOptions{
		AgentName:         agentName,
		TaskID:            t.ID,
		SystemPrompt:      assembly.SystemPrompt,
		UserPrompt:        assembly.UserPrompt,
		WorkingDirectory:  assembly.WorkingDirectory,
		SessionID:         sessionID,
		Model:             o.cfg.Models[agentName],
		ExtraEnv:          o.cfg.ExtraEnv[agentName],
		HeartbeatInterval: o.cfg.HeartbeatIntervals[agentName],
		ActivityTimeout:   o.cfg.ActivityTimeouts[agentName],
		OnSessionID: func(id string) {
			// best-effort: a failed save must not interrupt the run
			if err := o.store.SetSession(t.ID, id); err != nil {
				log.Warn("failed to persist session id", zap.Error(err))
			}
			if o.cfg.BloomDir != "" {
				if err := runtime.SaveSessionRef(o.cfg.BloomDir, runtime.SessionRef{
					AgentName: agentName,
					TaskID:    t.ID,
					SessionID: id,
					UpdatedAt: time.Now().UTC(),
				}); err != nil {
					log.Warn("failed to persist session ref", zap.Error(err))
				}
			}
		},
	}

	startedAt := time.Now().UTC()
	result := o.runner.Run(ctx, agentSpec, spec.ModeStreaming, opts)
	o.recordRun(t, agentName, result, startedAt)

	if ctx.Err() != nil {
		// shutdown: put the task back without counting an attempt
		o.resetAfterCancel(t.ID, log)
		return
	}

	o.handleResult(t.ID, result, log)
}

// handleResult translates an AgentResult into the task's next status.
func (o *Orchestrator) handleResult(taskID string, result *runtime.AgentResult, log *logger.Logger) {
	fresh, err := o.store.Get(taskID)
	if err != nil {
		log.Warn("task disappeared during run", zap.Error(err))
		return
	}

	if result.Success {
		o.mu.Lock()
		delete(o.attempts, taskID)
		o.mu.Unlock()

		if fresh.StepsDone() {
			target := task.StatusDone
			if fresh.MergeInto != "" {
				target = task.StatusDonePendingMerge
			}
			o.transition(taskID, fresh.Status, target, log)
			return
		}
		// steps remain: the next cycle picks the task up again
		o.transition(taskID, fresh.Status, task.StatusReadyForAgent, log)
		return
	}

	o.mu.Lock()
	o.attempts[taskID]++
	attempt := o.attempts[taskID]
	o.mu.Unlock()

	log.Warn("agent run failed",
		zap.String("error", result.Error),
		zap.Bool("timed_out", result.TimedOut),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", o.cfg.MaxAttempts))

	if attempt < o.cfg.MaxAttempts {
		o.transition(taskID, fresh.Status, task.StatusReadyForAgent, log)
		return
	}

	// the note leads with the failure so readers see "timed out" (or the
	// exit error) first when scanning the task file
	note := fmt.Sprintf("%s (blocked after %d attempts)", result.Error, attempt)
	if err := o.store.AppendNote(taskID, note, time.Now()); err != nil {
		log.Warn("failed to append blocked note", zap.Error(err))
	}
	o.transition(taskID, fresh.Status, task.StatusBlocked, log)
}

// failTask is the pre-run failure path (unknown agent, prompt assembly
// errors). Counted against the attempt budget like a failed run.
func (o *Orchestrator) failTask(taskID, reason string, log *logger.Logger) {
	log.Error("task dispatch failed", zap.String("reason", reason))
	o.handleResult(taskID, &runtime.AgentResult{Success: false, Error: reason}, log)
}

// resetAfterCancel returns a task to ready_for_agent on shutdown unless
// it already reached done.
func (o *Orchestrator) resetAfterCancel(taskID string, log *logger.Logger) {
	fresh, err := o.store.Get(taskID)
	if err != nil || fresh.Status == task.StatusDone {
		return
	}
	o.transition(taskID, fresh.Status, task.StatusReadyForAgent, log)
}

// transition applies a status change through the store. A rejected
// transition means another actor (reset, human edit) got there first;
// the worker aborts cleanly.
func (o *Orchestrator) transition(taskID string, from, to task.Status, log *logger.Logger) {
	if from == to {
		return
	}
	if err := o.store.SetStatus(taskID, to); err != nil {
		log.Warn("state transition rejected, aborting",
			zap.String("to", string(to)), zap.Error(err))
		return
	}
	o.publishStateChange(taskID, from, to)
}

func (o *Orchestrator) recordRun(t *task.Task, agentName string, result *runtime.AgentResult, startedAt time.Time) {
	if o.history == nil {
		return
	}
	o.mu.Lock()
	attempt := o.attempts[t.ID] + 1
	o.mu.Unlock()

	_, err := o.history.RecordRun(context.Background(), history.Run{
		TaskID:    t.ID,
		AgentName: agentName,
		Model:     o.cfg.Models[agentName],
		SessionID: result.SessionID,
		Attempt:   attempt,
		Success:   result.Success,
		TimedOut:  result.TimedOut,
		ExitCode:  result.ExitCode,
		Error:     result.Error,
		StartedAt: startedAt,
		EndedAt:   time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn("failed to record run history", zap.Error(err))
	}
}

// Interject pre-empts the running session of an agent, records an
// interjection for the human takeover pane, and returns the record.
// The pre-empted worker's failure path returns the task to
// ready_for_agent with the attempt counted.
func (o *Orchestrator) Interject(agentName, reason string) (*humanq.Interjection, error) {
	session, err := o.runner.Interject(agentName)
	if err != nil {
		if errors.Is(err, runtime.ErrSessionNotFound) {
			// SessionDisappeared: already exited, nothing to take over
			o.log.Info("interjection on dead session", zap.String("agent", agentName))
		}
		return nil, err
	}

	if o.queue == nil {
		return nil, nil
	}
	record, err := o.queue.CreateInterjection(humanq.InterjectionRequest{
		AgentName:        agentName,
		TaskID:           session.TaskID,
		SessionID:        session.CurrentSessionID(),
		WorkingDirectory: session.WorkingDirectory,
		Reason:           reason,
	})
	if err != nil {
		return nil, fmt.Errorf("record interjection: %w", err)
	}
	return record, nil
}
