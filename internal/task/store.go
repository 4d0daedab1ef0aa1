package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bloom/bloom/internal/common/logger"
)

// Store is the single writer for the task file. All mutations serialize
// through its mutex and are persisted atomically before returning.
// Readers receive deep copies, never live pointers into the model.
type Store struct {
	path  string
	log   *logger.Logger
	mu    sync.Mutex // held across validate+mutate+save
	file  *TaskFile
	index map[string]*Task
}

// Load reads, parses, and validates the task file at path. A file that
// violates any invariant is rejected; this is fatal for consumers.
func Load(path string, log *logger.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	var file TaskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	index, problems := buildIndex(&file)
	problems = append(problems, validateFile(&file, index)...)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	s := &Store{
		path:  path,
		log:   log.WithFields(zap.String("component", "taskstore")),
		file:  &file,
		index: index,
	}
	s.log.Info("task file loaded",
		zap.String("path", path),
		zap.Int("tasks", len(index)))
	return s, nil
}

// Path returns the task file path.
func (s *Store) Path() string { return s.path }

// buildIndex flattens the subtask tree into an id-keyed arena and
// reports duplicate or empty ids.
func buildIndex(file *TaskFile) (map[string]*Task, []string) {
	index := make(map[string]*Task)
	var problems []string
	file.Walk(func(t *Task) {
		if t.ID == "" {
			problems = append(problems, "task with empty id")
			return
		}
		if _, dup := index[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
			return
		}
		index[t.ID] = t
	})
	return index, problems
}

// validateFile enforces the load-time invariants: known statuses, step
// id shape, resolvable acyclic dependencies, and status preconditions.
func validateFile(file *TaskFile, index map[string]*Task) []string {
	var problems []string

	file.Walk(func(t *Task) {
		if !validStatuses[t.Status] {
			problems = append(problems, fmt.Sprintf("task %q: unknown status %q", t.ID, t.Status))
		}
		for _, step := range t.Steps {
			if !validStepStatuses[step.Status] {
				problems = append(problems, fmt.Sprintf("step %q: unknown status %q", step.ID, step.Status))
			}
			if !strings.HasPrefix(step.ID, t.ID+".") {
				problems = append(problems, fmt.Sprintf("step %q: id must follow %q", step.ID, t.ID+".<n>"))
			}
		}
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %q: unknown dependency %q", t.ID, dep))
			}
		}
		if t.Status == StatusDone {
			if !t.SubtasksDone() {
				problems = append(problems, fmt.Sprintf("task %q: done but has unfinished subtasks", t.ID))
			}
			if !t.StepsDone() {
				problems = append(problems, fmt.Sprintf("task %q: done but has unfinished steps", t.ID))
			}
		}
		if t.Status == StatusReadyForAgent {
			for _, dep := range t.DependsOn {
				if d, ok := index[dep]; ok && d.Status != StatusDone && d.Status != StatusDonePendingMerge {
					problems = append(problems, fmt.Sprintf(
						"task %q: ready_for_agent but dependency %q is %s", t.ID, dep, d.Status))
				}
			}
		}
	})

	problems = append(problems, findCycles(index)...)
	return problems
}

// findCycles detects cycles in the dependsOn DAG with a three-color DFS.
func findCycles(index map[string]*Task) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(index))
	var problems []string

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		color[id] = grey
		t := index[id]
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				continue // reported separately
			}
			switch color[dep] {
			case white:
				visit(dep, append(path, dep))
			case grey:
				problems = append(problems, fmt.Sprintf(
					"dependency cycle involving %q and %q", id, dep))
			}
		}
		color[id] = black
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id, []string{id})
		}
	}
	return problems
}

// save serializes the in-memory model to a sibling temp file and
// renames it over the task file. No partial file is ever visible.
// Callers hold the store lock.
func (s *Store) save() error {
	data, err := yaml.Marshal(s.file)
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tasks-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp task file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

// Get returns a deep copy of a task.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.index[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// Snapshot returns a deep copy of the whole task file.
func (s *Store) Snapshot() *TaskFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Clone()
}

// depsSatisfied reports whether every dependency of t is done or
// done_pending_merge. Callers hold the lock.
func (s *Store) depsSatisfied(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.index[dep]
		if !ok {
			return false
		}
		if d.Status != StatusDone && d.Status != StatusDonePendingMerge {
			return false
		}
	}
	return true
}

// checkpointGated reports whether a checkpoint task must wait because an
// earlier-phase task in the same repo is not done. Callers hold the lock.
func (s *Store) checkpointGated(t *Task) bool {
	if !t.Checkpoint {
		return false
	}
	ordinal := t.PhaseOrdinal()
	for _, other := range s.index {
		if other.ID == t.ID || other.Repo != t.Repo {
			continue
		}
		if other.PhaseOrdinal() < ordinal && other.Status != StatusDone {
			return true
		}
	}
	return false
}

// SetStatus validates and applies a status transition, persisting on
// success. On any failure the in-memory model is unchanged.
func (s *Store) SetStatus(taskID string, newStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status == newStatus {
		return nil
	}
	if !TransitionAllowed(t.Status, newStatus) {
		return &TransitionError{TaskID: taskID, From: t.Status, To: newStatus}
	}

	switch newStatus {
	case StatusReadyForAgent:
		if !s.depsSatisfied(t) {
			return &TransitionError{TaskID: taskID, From: t.Status, To: newStatus,
				Reason: ErrDependenciesUnmet.Error()}
		}
		if s.checkpointGated(t) {
			return &TransitionError{TaskID: taskID, From: t.Status, To: newStatus,
				Reason: ErrCheckpointGated.Error()}
		}
	case StatusDone:
		if !t.SubtasksDone() {
			return &TransitionError{TaskID: taskID, From: t.Status, To: newStatus,
				Reason: "subtasks not done"}
		}
		if !t.StepsDone() {
			return &TransitionError{TaskID: taskID, From: t.Status, To: newStatus,
				Reason: "steps not done"}
		}
	}

	prev := t.Status
	t.Status = newStatus
	if err := s.save(); err != nil {
		t.Status = prev
		return err
	}
	s.log.Debug("task status changed",
		zap.String("task_id", taskID),
		zap.String("from", string(prev)),
		zap.String("to", string(newStatus)))
	return nil
}

// Assign sets the agent for a task. A todo task whose dependencies are
// satisfied moves to ready_for_agent; otherwise the status is left alone.
func (s *Store) Assign(taskID, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	prevAgent, prevStatus := t.AgentName, t.Status
	t.AgentName = agentName
	if (t.Status == StatusTodo || t.Status == StatusReadyForAgent) &&
		s.depsSatisfied(t) && !s.checkpointGated(t) {
		t.Status = StatusReadyForAgent
	}
	if err := s.save(); err != nil {
		t.AgentName, t.Status = prevAgent, prevStatus
		return err
	}
	return nil
}

// AppendNote appends a timestamped note to the task.
func (s *Store) AppendNote(taskID, text string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t.Notes = append(t.Notes, FormatNote(text, ts))
	if err := s.save(); err != nil {
		t.Notes = t.Notes[:len(t.Notes)-1]
		return err
	}
	return nil
}

// SetStep updates a single step's status. Completing the last step does
// not close the task; the caller closes it explicitly.
func (s *Store) SetStep(taskID, stepID string, status StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	step := t.FindStep(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if !validStepStatuses[status] {
		return fmt.Errorf("unknown step status %q", status)
	}

	prev := step.Status
	step.Status = status
	if err := s.save(); err != nil {
		step.Status = prev
		return err
	}
	return nil
}

// SetSession records the agent session id on a task. Best-effort from
// the orchestrator's point of view; errors are for logging only.
func (s *Store) SetSession(taskID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	prev := t.SessionID
	t.SessionID = sessionID
	if err := s.save(); err != nil {
		t.SessionID = prev
		return err
	}
	return nil
}

// ResetStuck returns every in_progress or blocked task to
// ready_for_agent and clears its session id. Idempotent; returns the
// ids that changed.
func (s *Store) ResetStuck() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type prevState struct {
		t       *Task
		status  Status
		session string
	}
	var changed []prevState
	for _, t := range s.index {
		if t.Status == StatusInProgress || t.Status == StatusBlocked {
			changed = append(changed, prevState{t: t, status: t.Status, session: t.SessionID})
			t.Status = StatusReadyForAgent
			t.SessionID = ""
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := s.save(); err != nil {
		for _, p := range changed {
			p.t.Status = p.status
			p.t.SessionID = p.session
		}
		return nil, err
	}

	ids := make([]string, len(changed))
	for i, p := range changed {
		ids[i] = p.t.ID
	}
	sort.Strings(ids)
	s.log.Info("reset stuck tasks", zap.Strings("task_ids", ids))
	return ids, nil
}

// PromoteReady moves every todo task whose dependencies have all
// completed to ready_for_agent. Only tasks that declare dependencies
// are promoted: a dependency-free todo task stays parked until a human
// or Assign releases it. Idempotent; returns the ids that changed.
func (s *Store) PromoteReady() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted []*Task
	for _, t := range s.index {
		if t.Status != StatusTodo || len(t.DependsOn) == 0 {
			continue
		}
		if !s.depsSatisfied(t) || s.checkpointGated(t) {
			continue
		}
		promoted = append(promoted, t)
		t.Status = StatusReadyForAgent
	}
	if len(promoted) == 0 {
		return nil, nil
	}
	if err := s.save(); err != nil {
		for _, t := range promoted {
			t.Status = StatusTodo
		}
		return nil, err
	}

	ids := make([]string, len(promoted))
	for i, t := range promoted {
		ids[i] = t.ID
	}
	sort.Strings(ids)
	s.log.Info("promoted tasks with completed dependencies", zap.Strings("task_ids", ids))
	return ids, nil
}

// ReadySet returns copies of the tasks that are ready_for_agent, whose
// dependencies are all complete, and that pass the checkpoint gate.
// Ordered by phase ascending (missing last), then agent name, then id.
// An empty agentFilter matches every agent.
func (s *Store) ReadySet(agentFilter string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*Task
	for _, t := range s.index {
		if t.Status != StatusReadyForAgent {
			continue
		}
		if !s.depsSatisfied(t) {
			continue
		}
		if s.checkpointGated(t) {
			continue
		}
		if agentFilter != "" && t.AgentName != agentFilter {
			continue
		}
		ready = append(ready, t.Clone())
	}

	sort.Slice(ready, func(i, j int) bool {
		pi, pj := ready[i].PhaseOrdinal(), ready[j].PhaseOrdinal()
		if pi != pj {
			return pi < pj
		}
		if ready[i].AgentName != ready[j].AgentName {
			return ready[i].AgentName < ready[j].AgentName
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// CollectAgents returns the sorted set of distinct agent names present
// anywhere in the tree.
func (s *Store) CollectAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, t := range s.index {
		if t.AgentName != "" {
			seen[t.AgentName] = true
		}
	}
	agents := make([]string, 0, len(seen))
	for name := range seen {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	return agents
}
