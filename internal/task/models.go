// Package task owns the durable task graph: the YAML task file, its
// validation invariants, the status state machine, and the ready-set
// computation. All mutation goes through the Store; everything else
// sees snapshots.
package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo             Status = "todo"
	StatusReadyForAgent    Status = "ready_for_agent"
	StatusAssigned         Status = "assigned"
	StatusInProgress       Status = "in_progress"
	StatusDonePendingMerge Status = "done_pending_merge"
	StatusDone             Status = "done"
	StatusBlocked          Status = "blocked"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepTodo       StepStatus = "todo"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
)

// validStatuses is the closed set of task statuses accepted on load.
var validStatuses = map[Status]bool{
	StatusTodo:             true,
	StatusReadyForAgent:    true,
	StatusAssigned:         true,
	StatusInProgress:       true,
	StatusDonePendingMerge: true,
	StatusDone:             true,
	StatusBlocked:          true,
}

var validStepStatuses = map[StepStatus]bool{
	StepTodo:       true,
	StepInProgress: true,
	StepDone:       true,
}

// allowedTransitions is the task status transition table. A transition
// not listed here is rejected with ErrInvalidTransition.
var allowedTransitions = map[Status][]Status{
	StatusTodo:             {StatusReadyForAgent, StatusBlocked},
	StatusReadyForAgent:    {StatusAssigned, StatusInProgress, StatusBlocked, StatusTodo},
	StatusAssigned:         {StatusInProgress, StatusReadyForAgent, StatusBlocked},
	StatusInProgress:       {StatusDonePendingMerge, StatusDone, StatusBlocked, StatusReadyForAgent},
	StatusDonePendingMerge: {StatusDone, StatusInProgress},
	StatusBlocked:          {StatusReadyForAgent, StatusTodo},
	StatusDone:             {StatusInProgress}, // reopen
}

// TransitionAllowed reports whether from -> to is in the transition table.
func TransitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step is a single unit of work inside a task. Step ids follow
// "<taskId>.<n>".
type Step struct {
	ID                 string     `yaml:"id"`
	Instruction        string     `yaml:"instruction"`
	AcceptanceCriteria []string   `yaml:"acceptanceCriteria,omitempty"`
	Status             StepStatus `yaml:"status"`
}

// Task is a node in the task graph. Subtasks form a tree; dependsOn
// forms a DAG over the flattened id space.
type Task struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Instructions       string   `yaml:"instructions,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptanceCriteria,omitempty"`
	AINotes            []string `yaml:"aiNotes,omitempty"`
	Status             Status   `yaml:"status"`
	AgentName          string   `yaml:"agentName,omitempty"`
	Repo               string   `yaml:"repo,omitempty"`
	Branch             string   `yaml:"branch,omitempty"`
	BaseBranch         string   `yaml:"baseBranch,omitempty"`
	MergeInto          string   `yaml:"mergeInto,omitempty"`
	Phase              *int     `yaml:"phase,omitempty"`
	Checkpoint         bool     `yaml:"checkpoint,omitempty"`
	DependsOn          []string `yaml:"dependsOn,omitempty"`
	Subtasks           []*Task  `yaml:"subtasks,omitempty"`
	Steps              []*Step  `yaml:"steps,omitempty"`
	SessionID          string   `yaml:"sessionId,omitempty"`
	Notes              []string `yaml:"notes,omitempty"`
}

// TaskFile is the top-level YAML document.
type TaskFile struct {
	Tasks []*Task `yaml:"tasks"`
}

// HasSteps reports whether the task carries explicit steps.
func (t *Task) HasSteps() bool {
	return len(t.Steps) > 0
}

// StepsDone reports whether every step is done. Vacuously true for a
// task without steps.
func (t *Task) StepsDone() bool {
	for _, s := range t.Steps {
		if s.Status != StepDone {
			return false
		}
	}
	return true
}

// SubtasksDone reports whether every subtask (recursively) is done.
func (t *Task) SubtasksDone() bool {
	for _, sub := range t.Subtasks {
		if sub.Status != StatusDone || !sub.SubtasksDone() {
			return false
		}
	}
	return true
}

// FindStep returns the step with the given id, or nil.
func (t *Task) FindStep(stepID string) *Step {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// PhaseOrdinal returns the task's phase, with missing treated as +inf
// for ordering purposes.
func (t *Task) PhaseOrdinal() int {
	if t.Phase == nil {
		return int(^uint(0) >> 1)
	}
	return *t.Phase
}

// FormatNote renders a note string with its timestamp prefix.
func FormatNote(text string, ts time.Time) string {
	return fmt.Sprintf("[%s] %s", ts.UTC().Format(time.RFC3339), text)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.AINotes = append([]string(nil), t.AINotes...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Notes = append([]string(nil), t.Notes...)
	if t.Phase != nil {
		p := *t.Phase
		c.Phase = &p
	}
	if t.Steps != nil {
		c.Steps = make([]*Step, len(t.Steps))
		for i, s := range t.Steps {
			sc := *s
			sc.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
			c.Steps[i] = &sc
		}
	}
	if t.Subtasks != nil {
		c.Subtasks = make([]*Task, len(t.Subtasks))
		for i, sub := range t.Subtasks {
			c.Subtasks[i] = sub.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the file.
func (f *TaskFile) Clone() *TaskFile {
	c := &TaskFile{Tasks: make([]*Task, len(f.Tasks))}
	for i, t := range f.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return c
}

// Walk visits every task in the file, parents before subtasks.
func (f *TaskFile) Walk(visit func(*Task)) {
	var rec func(t *Task)
	rec = func(t *Task) {
		visit(t)
		for _, sub := range t.Subtasks {
			rec(sub)
		}
	}
	for _, t := range f.Tasks {
		rec(t)
	}
}
