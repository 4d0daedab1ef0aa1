package prompts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/task"
)

// fakeRepos records calls instead of running git.
type fakeRepos struct {
	ensured [][3]string
	err     error
}

func (f *fakeRepos) GetWorktreePath(repo, branch string) string {
	return filepath.Join("/worktrees", filepath.Base(repo), branch)
}

func (f *fakeRepos) EnsureWorktree(_ context.Context, repo, branch, baseBranch string) error {
	f.ensured = append(f.ensured, [3]string{repo, branch, baseBranch})
	return f.err
}

func (f *fakeRepos) BareRepoExists(string) bool { return true }

func sampleTask() *task.Task {
	return &task.Task{
		ID:                 "t1",
		Title:              "Add login endpoint",
		Instructions:       "Implement POST /login.",
		AcceptanceCriteria: []string{"returns 200 on valid creds", "returns 401 otherwise"},
		Status:             task.StatusReadyForAgent,
		Steps: []*task.Step{
			{ID: "t1.1", Instruction: "Write the handler", Status: task.StepDone},
			{ID: "t1.2", Instruction: "Write the tests", Status: task.StepTodo},
		},
		AINotes: []string{"previous run left a TODO in handler.go"},
	}
}

func TestAssembleRendersPrompts(t *testing.T) {
	a, err := New(nil, "", t.TempDir(), logger.Default())
	require.NoError(t, err)

	got, err := a.Assemble(context.Background(), sampleTask())
	require.NoError(t, err)

	assert.NotEmpty(t, got.SystemPrompt)
	assert.Contains(t, got.UserPrompt, "Task t1: Add login endpoint")
	assert.Contains(t, got.UserPrompt, "Implement POST /login.")
	assert.Contains(t, got.UserPrompt, "returns 200 on valid creds")
	// current step is the first not-done step
	assert.Contains(t, got.UserPrompt, "Current step: t1.2")
	assert.Contains(t, got.UserPrompt, "Write the tests")
	assert.NotContains(t, got.UserPrompt, "Write the handler")
	assert.Contains(t, got.UserPrompt, "previous run left a TODO")
}

func TestAssembleWorkingDirectoryWithoutRepo(t *testing.T) {
	base := t.TempDir()
	a, err := New(nil, "", base, logger.Default())
	require.NoError(t, err)

	got, err := a.Assemble(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.Equal(t, base, got.WorkingDirectory)
}

func TestAssembleProvisionsWorktree(t *testing.T) {
	repos := &fakeRepos{}
	a, err := New(repos, "", "", logger.Default())
	require.NoError(t, err)

	tk := sampleTask()
	tk.Repo = "/repos/proj"
	tk.Branch = "feature/login"
	tk.BaseBranch = "main"

	got, err := a.Assemble(context.Background(), tk)
	require.NoError(t, err)
	require.Len(t, repos.ensured, 1)
	assert.Equal(t, [3]string{"/repos/proj", "feature/login", "main"}, repos.ensured[0])
	assert.Equal(t, "/worktrees/proj/feature/login", got.WorkingDirectory)
}

func TestAssembleDefaultsBranchFromTaskID(t *testing.T) {
	repos := &fakeRepos{}
	a, err := New(repos, "", "", logger.Default())
	require.NoError(t, err)

	tk := sampleTask()
	tk.Repo = "/repos/proj"

	_, err = a.Assemble(context.Background(), tk)
	require.NoError(t, err)
	require.Len(t, repos.ensured, 1)
	assert.Equal(t, "bloom/t1", repos.ensured[0][1])
}

func TestTemplateOverride(t *testing.T) {
	bloomDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bloomDir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(bloomDir, "prompts", "user.md.tmpl"),
		[]byte("CUSTOM {{.Task.ID}}"), 0o644))

	a, err := New(nil, bloomDir, t.TempDir(), logger.Default())
	require.NoError(t, err)

	got, err := a.Assemble(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM t1", got.UserPrompt)
}
