package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id1, err := s.RecordRun(ctx, Run{
		TaskID:    "t1",
		AgentName: "claude",
		Model:     "opus",
		SessionID: "sess-1",
		Attempt:   1,
		Success:   false,
		ExitCode:  1,
		Error:     "exit code 1",
		StartedAt: base,
		EndedAt:   base.Add(time.Minute),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = s.RecordRun(ctx, Run{
		TaskID:    "t1",
		AgentName: "claude",
		SessionID: "sess-2",
		Attempt:   2,
		Success:   true,
		StartedAt: base.Add(2 * time.Minute),
		EndedAt:   base.Add(3 * time.Minute),
	})
	require.NoError(t, err)

	runs, err := s.ListRunsForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 1, runs[0].Attempt)
	assert.Equal(t, 2, runs[1].Attempt)
	assert.False(t, runs[0].Success)
	assert.True(t, runs[1].Success)
	assert.Equal(t, "exit code 1", runs[0].Error)

	none, err := s.ListRunsForTask(ctx, "t9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.RecordRun(ctx, Run{
			TaskID:    "t1",
			AgentName: "claude",
			Attempt:   i + 1,
			Success:   true,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
		require.NoError(t, err)
	}

	runs, err := s.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].Attempt)
	assert.Equal(t, 2, runs[1].Attempt)
}

func TestLastSessionID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.LastSessionID(ctx, "claude")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = s.RecordRun(ctx, Run{
		TaskID: "t1", AgentName: "claude", SessionID: "sess-old",
		Success: true, StartedAt: base, EndedAt: base,
	})
	require.NoError(t, err)
	_, err = s.RecordRun(ctx, Run{
		TaskID: "t1", AgentName: "claude", SessionID: "",
		Success: false, StartedAt: base.Add(time.Minute), EndedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = s.RecordRun(ctx, Run{
		TaskID: "t2", AgentName: "claude", SessionID: "sess-new",
		Success: true, StartedAt: base.Add(2 * time.Minute), EndedAt: base.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	id, err = s.LastSessionID(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, "sess-new", id)

	id, err = s.LastSessionID(ctx, "codex")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestAttemptCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	n, err := s.AttemptCount(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 2; i++ {
		_, err := s.RecordRun(ctx, Run{
			TaskID: "t1", AgentName: "claude", Success: true,
			StartedAt: base, EndedAt: base,
		})
		require.NoError(t, err)
	}
	n, err = s.AttemptCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
