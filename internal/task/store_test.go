package task

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bloom/bloom/internal/common/logger"
)

func writeFile(t *testing.T, file *TaskFile) string {
	t.Helper()
	data, err := yaml.Marshal(file)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func loadFile(t *testing.T, file *TaskFile) *Store {
	t.Helper()
	s, err := Load(writeFile(t, file), logger.Default())
	require.NoError(t, err)
	return s
}

func intPtr(n int) *int { return &n }

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo},
		{ID: "a", Status: StatusTodo},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate task id "a"`)
}

func TestLoadRejectsUnknownStatus(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: "doing"},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown status "doing"`)
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo, DependsOn: []string{"ghost"}},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown dependency "ghost"`)
}

func TestLoadRejectsDependencyCycle(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo, DependsOn: []string{"b"}},
		{ID: "b", Status: StatusTodo, DependsOn: []string{"a"}},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestLoadRejectsMalformedStepID(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo, Steps: []*Step{
			{ID: "b.1", Status: StepTodo},
		}},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `id must follow "a.<n>"`)
}

func TestLoadRejectsDoneWithOpenSteps(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusDone, Steps: []*Step{
			{ID: "a.1", Status: StepTodo},
		}},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unfinished steps")
}

func TestLoadRejectsReadyWithUnmetDeps(t *testing.T) {
	path := writeFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo},
		{ID: "b", Status: StatusReadyForAgent, DependsOn: []string{"a"}},
	}})
	_, err := Load(path, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `dependency "a" is todo`)
}

func TestLoadFlattensSubtasks(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo, Subtasks: []*Task{
			{ID: "a-sub", Status: StatusTodo},
		}},
	}})
	sub, err := s.Get("a-sub")
	require.NoError(t, err)
	assert.Equal(t, "a-sub", sub.ID)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusTodo, StatusReadyForAgent, true},
		{StatusTodo, StatusInProgress, false},
		{StatusReadyForAgent, StatusInProgress, true},
		{StatusReadyForAgent, StatusTodo, true},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusDonePendingMerge, true},
		{StatusInProgress, StatusTodo, false},
		{StatusDonePendingMerge, StatusDone, true},
		{StatusDonePendingMerge, StatusInProgress, true},
		{StatusDone, StatusInProgress, true}, // reopen
		{StatusDone, StatusTodo, false},
		{StatusBlocked, StatusReadyForAgent, true},
		{StatusBlocked, StatusDone, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, TransitionAllowed(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestSetStatusRejectsBadTransition(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo},
	}})
	err := s.SetStatus("a", StatusInProgress)
	require.Error(t, err)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusTodo, terr.From)

	// model unchanged
	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, got.Status)
}

func TestSetStatusIdempotentNoop(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo},
	}})
	require.NoError(t, s.SetStatus("a", StatusTodo))
}

func TestSetStatusReadyGatedOnDeps(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo},
		{ID: "b", Status: StatusTodo, DependsOn: []string{"a"}},
	}})
	err := s.SetStatus("b", StatusReadyForAgent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependencies not satisfied")

	// done_pending_merge satisfies dependents
	require.NoError(t, s.SetStatus("a", StatusReadyForAgent))
	require.NoError(t, s.SetStatus("a", StatusInProgress))
	require.NoError(t, s.SetStatus("a", StatusDonePendingMerge))
	require.NoError(t, s.SetStatus("b", StatusReadyForAgent))
}

func TestSetStatusDoneGatedOnStepsAndSubtasks(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusInProgress, Steps: []*Step{
			{ID: "a.1", Status: StepTodo},
		}},
	}})
	err := s.SetStatus("a", StatusDone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps not done")

	require.NoError(t, s.SetStep("a", "a.1", StepDone))
	require.NoError(t, s.SetStatus("a", StatusDone))
}

func TestSetStatusPersists(t *testing.T) {
	file := &TaskFile{Tasks: []*Task{{ID: "a", Status: StatusTodo}}}
	path := writeFile(t, file)
	s, err := Load(path, logger.Default())
	require.NoError(t, err)
	require.NoError(t, s.SetStatus("a", StatusReadyForAgent))

	// a fresh load sees the new status
	s2, err := Load(path, logger.Default())
	require.NoError(t, err)
	got, err := s2.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForAgent, got.Status)
}

func TestAssignPromotesWhenUnblocked(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo},
		{ID: "b", Status: StatusTodo, DependsOn: []string{"a"}},
	}})

	// unmet deps: agent recorded, status untouched
	require.NoError(t, s.Assign("b", "claude"))
	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.AgentName)
	assert.Equal(t, StatusTodo, got.Status)

	require.NoError(t, s.Assign("a", "codex"))
	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForAgent, got.Status)
}

func TestAppendNote(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{{ID: "a", Status: StatusTodo}}})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendNote("a", "retry scheduled", ts))
	got, err := s.Get("a")
	require.NoError(t, err)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "[2026-03-01T12:00:00Z] retry scheduled", got.Notes[0])
}

func TestSetStepUnknownStep(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo, Steps: []*Step{{ID: "a.1", Status: StepTodo}}},
	}})
	err := s.SetStep("a", "a.9", StepDone)
	require.ErrorIs(t, err, ErrStepNotFound)
}

func TestResetStuck(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusInProgress, SessionID: "sess-1"},
		{ID: "b", Status: StatusBlocked},
		{ID: "c", Status: StatusDone},
	}})
	ids, err := s.ResetStuck()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForAgent, got.Status)
	assert.Empty(t, got.SessionID)

	// second call is a no-op
	ids, err = s.ResetStuck()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPromoteReady(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusDone},
		{ID: "b", Status: StatusDonePendingMerge},
		{ID: "dependent", Status: StatusTodo, DependsOn: []string{"a", "b"}},
		{ID: "waiting", Status: StatusTodo, DependsOn: []string{"dependent"}},
		{ID: "parked", Status: StatusTodo}, // no deps: stays parked
	}})

	ids, err := s.PromoteReady()
	require.NoError(t, err)
	assert.Equal(t, []string{"dependent"}, ids)

	got, _ := s.Get("dependent")
	assert.Equal(t, StatusReadyForAgent, got.Status)
	got, _ = s.Get("waiting")
	assert.Equal(t, StatusTodo, got.Status)
	got, _ = s.Get("parked")
	assert.Equal(t, StatusTodo, got.Status)

	// second call is a no-op
	ids, err = s.PromoteReady()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPromoteReadyRespectsCheckpointGate(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "build", Status: StatusInProgress, Repo: "/r", Phase: intPtr(1)},
		{ID: "dep", Status: StatusDone, Repo: "/r", Phase: intPtr(1)},
		{ID: "gate", Status: StatusTodo, Repo: "/r", Phase: intPtr(2),
			Checkpoint: true, DependsOn: []string{"dep"}},
	}})

	ids, err := s.PromoteReady()
	require.NoError(t, err)
	assert.Empty(t, ids, "checkpoint must wait for earlier phases")

	require.NoError(t, s.SetStatus("build", StatusDone))
	ids, err = s.PromoteReady()
	require.NoError(t, err)
	assert.Equal(t, []string{"gate"}, ids)
}

func TestReadySetOrdering(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "z-early", Status: StatusReadyForAgent, AgentName: "codex", Phase: intPtr(1)},
		{ID: "a-late", Status: StatusReadyForAgent, AgentName: "claude", Phase: intPtr(2)},
		{ID: "no-phase", Status: StatusReadyForAgent, AgentName: "claude"},
		{ID: "tie", Status: StatusReadyForAgent, AgentName: "claude", Phase: intPtr(2)},
	}})
	ready := s.ReadySet("")
	ids := make([]string, len(ready))
	for i, r := range ready {
		ids[i] = r.ID
	}
	// phase asc, missing phase last; within a phase agent name then id
	assert.Equal(t, []string{"z-early", "a-late", "tie", "no-phase"}, ids)
}

func TestReadySetAgentFilter(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusReadyForAgent, AgentName: "claude"},
		{ID: "b", Status: StatusReadyForAgent, AgentName: "codex"},
	}})
	ready := s.ReadySet("codex")
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestReadySetCheckpointGate(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "build", Status: StatusInProgress, Repo: "web", Phase: intPtr(1)},
		{ID: "gate", Status: StatusReadyForAgent, Repo: "web", Phase: intPtr(2), Checkpoint: true},
		{ID: "other", Status: StatusReadyForAgent, Repo: "api", Phase: intPtr(2), Checkpoint: true},
	}})

	ids := func() []string {
		var out []string
		for _, r := range s.ReadySet("") {
			out = append(out, r.ID)
		}
		return out
	}
	// gate waits for build; other is in a different repo
	assert.Equal(t, []string{"other"}, ids())

	require.NoError(t, s.SetStatus("build", StatusDone))
	assert.Equal(t, []string{"gate", "other"}, ids())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{{ID: "a", Status: StatusTodo}}})
	snap := s.Snapshot()
	snap.Tasks[0].Status = StatusDone

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, got.Status)
}

func TestCollectAgents(t *testing.T) {
	s := loadFile(t, &TaskFile{Tasks: []*Task{
		{ID: "a", Status: StatusTodo, AgentName: "codex"},
		{ID: "b", Status: StatusTodo, AgentName: "claude"},
		{ID: "c", Status: StatusTodo},
	}})
	assert.Equal(t, []string{"claude", "codex"}, s.CollectAgents())
}
