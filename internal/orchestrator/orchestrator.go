// Package orchestrator matches ready tasks to worker slots, drives
// each task through one agent run at a time, and translates agent
// results into task-state transitions.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bloom/bloom/internal/agent/runtime"
	"github.com/bloom/bloom/internal/agent/spec"
	"github.com/bloom/bloom/internal/common/clock"
	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/events"
	"github.com/bloom/bloom/internal/events/bus"
	"github.com/bloom/bloom/internal/history"
	"github.com/bloom/bloom/internal/humanq"
	"github.com/bloom/bloom/internal/prompts"
	"github.com/bloom/bloom/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	ErrNotRunning     = errors.New("orchestrator is not running")
)

// AgentRunner is the slice of the agent runtime the orchestrator uses.
// Tests substitute a fake; production wires *runtime.Runtime.
type AgentRunner interface {
	Run(ctx context.Context, s *spec.AgentSpec, mode spec.Mode, opts runtime.RunOptions) *runtime.AgentResult
	Interject(agentName string) (*runtime.AgentSession, error)
}

// PromptAssembler resolves the working directory and prompts for a task.
type PromptAssembler interface {
	Assemble(ctx context.Context, t *task.Task) (*prompts.Assembly, error)
}

// Config holds the scheduling knobs.
type Config struct {
	MaxParallelAgents int           // global concurrency ceiling
	MaxAttempts       int           // failed runs before a task is blocked
	PollInterval      time.Duration // scheduler wake deadline
	DefaultAgent      string        // fallback when a task names no agent
	BloomDir          string        // session refs are persisted here

	// Per-agent overrides, keyed by agent name.
	Models             map[string]string
	HeartbeatIntervals map[string]time.Duration
	ActivityTimeouts   map[string]time.Duration
	ExtraEnv           map[string]map[string]string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelAgents: 8,
		MaxAttempts:       3,
		PollInterval:      2 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.MaxParallelAgents <= 0 {
		c.MaxParallelAgents = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// slotKey identifies a worker slot. At most one task runs per slot.
type slotKey struct {
	agent  string
	repo   string
	branch string
}

// Orchestrator is the scheduler. All task-state writes go through the
// task store; the orchestrator only decides what to write.
type Orchestrator struct {
	cfg       Config
	store     *task.Store
	registry  *spec.Registry
	runner    AgentRunner
	assembler PromptAssembler
	queue     *humanq.Queue  // optional
	history   *history.Store // optional
	bus       bus.EventBus   // optional
	clock     clock.Clock
	log       *logger.Logger
	sem       *semaphore.Weighted // global concurrency ceiling

	mu       sync.Mutex
	slots    map[slotKey]string // slot -> running task id
	running  int
	attempts map[string]int
	started  bool
	stopCh   chan struct{}

	wake chan struct{}
	wg   sync.WaitGroup

	unsubscribeQueue func()
}

// Deps bundles the orchestrator's collaborators. Queue, History, and
// Bus may be nil.
type Deps struct {
	Store     *task.Store
	Registry  *spec.Registry
	Runner    AgentRunner
	Assembler PromptAssembler
	Queue     *humanq.Queue
	History   *history.Store
	Bus       bus.EventBus
	Clock     clock.Clock
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, log *logger.Logger) *Orchestrator {
	cfg.normalize()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		runner:    deps.Runner,
		assembler: deps.Assembler,
		queue:     deps.Queue,
		history:   deps.History,
		bus:       deps.Bus,
		clock:     clk,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		sem:       semaphore.NewWeighted(int64(cfg.MaxParallelAgents)),
		slots:     make(map[slotKey]string),
		attempts:  make(map[string]int),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.started = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	if o.queue != nil {
		// a closed interjection pane means its task is claimable again
		o.unsubscribeQueue = o.queue.Watch(func(ev humanq.Event) {
			switch ev.Type {
			case humanq.EventInterjectionResumed, humanq.EventInterjectionDismissed:
				o.notify()
			}
		})
	}

	o.log.Info("orchestrator starting",
		zap.Int("max_parallel_agents", o.cfg.MaxParallelAgents),
		zap.Int("max_attempts", o.cfg.MaxAttempts),
		zap.Duration("poll_interval", o.cfg.PollInterval))

	o.wg.Add(1)
	go o.loop(ctx)
	return nil
}

// Stop signals the loop and waits for in-flight workers. Running
// agents receive graceful termination through their contexts.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.started = false
	close(o.stopCh)
	o.mu.Unlock()

	if o.unsubscribeQueue != nil {
		o.unsubscribeQueue()
		o.unsubscribeQueue = nil
	}
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
	return nil
}

// Wait blocks until the loop and all workers exit.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// notify wakes the scheduling loop without blocking.
func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	for {
		o.promoteReady()
		o.dispatchReady(ctx)

		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-o.wake:
		case <-o.clock.After(o.cfg.PollInterval):
		}
	}
}

// promoteReady releases todo tasks whose dependencies have completed,
// so a finishing task unparks its dependents on the next tick.
func (o *Orchestrator) promoteReady() {
	ids, err := o.store.PromoteReady()
	if err != nil {
		o.log.Warn("dependency promotion failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		o.publishStateChange(id, task.StatusTodo, task.StatusReadyForAgent)
	}
}

// pendingInterjections collects the tasks and agents currently held by
// a human takeover pane. A held task is not re-dispatched until its
// interjection is resumed or dismissed.
func (o *Orchestrator) pendingInterjections() (tasks, agents map[string]bool) {
	if o.queue == nil {
		return nil, nil
	}
	records, err := o.queue.ListInterjections(humanq.InterjectionPending)
	if err != nil {
		o.log.Warn("failed to list pending interjections", zap.Error(err))
		return nil, nil
	}
	tasks = make(map[string]bool, len(records))
	agents = make(map[string]bool, len(records))
	for _, r := range records {
		if r.TaskID != "" {
			tasks[r.TaskID] = true
		}
		agents[r.AgentName] = true
	}
	return tasks, agents
}

// dispatchReady claims every ready task whose slot is free, up to the
// global ceiling, in the store's ready-set order.
func (o *Orchestrator) dispatchReady(ctx context.Context) {
	heldTasks, heldAgents := o.pendingInterjections()

	for _, t := range o.store.ReadySet("") {
		agent := o.chooseAgent(t)
		if agent == "" {
			continue // nothing can run this task
		}
		if heldTasks[t.ID] || heldAgents[agent] {
			continue // a human owns this pane until the interjection closes
		}
		key := slotKey{agent: agent, repo: t.Repo, branch: t.Branch}

		o.mu.Lock()
		if _, busy := o.slots[key]; busy {
			o.mu.Unlock()
			continue
		}
		if !o.sem.TryAcquire(1) {
			o.mu.Unlock()
			return // global ceiling reached
		}

		// claim inside the slot lock so two loop passes cannot race
		if err := o.store.SetStatus(t.ID, task.StatusInProgress); err != nil {
			o.sem.Release(1)
			o.mu.Unlock()
			o.log.Debug("claim failed, skipping task",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		o.slots[key] = t.ID
		o.running++
		o.mu.Unlock()

		o.publishStateChange(t.ID, task.StatusReadyForAgent, task.StatusInProgress)
		o.publish(events.TaskAssigned, map[string]interface{}{
			"id": t.ID, "agentName": agent,
		})

		o.wg.Add(1)
		go func(t *task.Task, agent string, key slotKey) {
			defer o.wg.Done()
			defer o.releaseSlot(key)
			o.runTask(ctx, t, agent)
		}(t, agent, key)
	}
}

func (o *Orchestrator) chooseAgent(t *task.Task) string {
	if t.AgentName != "" {
		return t.AgentName
	}
	return o.cfg.DefaultAgent
}

func (o *Orchestrator) releaseSlot(key slotKey) {
	o.mu.Lock()
	delete(o.slots, key)
	o.running--
	o.mu.Unlock()
	o.sem.Release(1)
	o.notify()
}

// ActiveCount reports how many workers are in flight.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Attempts reports the failed-attempt counter for a task.
func (o *Orchestrator) Attempts(taskID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[taskID]
}

// ResetStuck returns in_progress and blocked tasks to ready_for_agent
// and clears their attempt counters. Safe at any time; workers whose
// tasks are reset observe the state on their next write and abort.
func (o *Orchestrator) ResetStuck() ([]string, error) {
	ids, err := o.store.ResetStuck()
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	for _, id := range ids {
		delete(o.attempts, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.publishStateChange(id, task.StatusInProgress, task.StatusReadyForAgent)
	}
	o.notify()
	return ids, nil
}

func (o *Orchestrator) publishStateChange(id string, from, to task.Status) {
	o.publish(events.TaskStateChanged, map[string]interface{}{
		"id": id, "from": string(from), "to": string(to),
	})
}

func (o *Orchestrator) publish(subject string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		o.log.Debug("failed to publish event", zap.Error(err))
	}
}
