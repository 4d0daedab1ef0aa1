package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bloom/bloom/internal/agent/runtime"
	"github.com/bloom/bloom/internal/agent/spec"
	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/humanq"
	"github.com/bloom/bloom/internal/orchestrator"
	"github.com/bloom/bloom/internal/prompts"
	"github.com/bloom/bloom/internal/task"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, *spec.AgentSpec, spec.Mode, runtime.RunOptions) *runtime.AgentResult {
	return &runtime.AgentResult{Success: true}
}

func (noopRunner) Interject(string) (*runtime.AgentSession, error) {
	return nil, runtime.ErrSessionNotFound
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Default()

	file := &task.TaskFile{Tasks: []*task.Task{
		{ID: "t1", Title: "first", AgentName: "claude", Status: task.StatusReadyForAgent,
			Steps: []*task.Step{{ID: "t1.1", Instruction: "do", Status: task.StepTodo}}},
		{ID: "t2", Title: "second", Status: task.StatusTodo, DependsOn: []string{"t1"}},
	}}
	data, err := yaml.Marshal(file)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	store, err := task.Load(path, log)
	require.NoError(t, err)

	queue, err := humanq.New(t.TempDir(), nil, log)
	require.NoError(t, err)

	registry := spec.NewRegistry(log)
	require.NoError(t, registry.Register(&spec.AgentSpec{
		Name:    "claude",
		Command: "claude",
		Output:  spec.Output{Format: spec.FormatStreamJSON, SessionIDField: "session_id"},
	}))

	assembler, err := prompts.New(nil, "", t.TempDir(), log)
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Store:     store,
		Registry:  registry,
		Runner:    noopRunner{},
		Assembler: assembler,
		Queue:     queue,
	}, log)

	return New(Config{Host: "127.0.0.1", Port: 0}, Deps{
		Store:    store,
		Orch:     orch,
		Queue:    queue,
		Registry: registry,
		Sessions: runtime.NewSessionIndex(),
	}, log)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListAndGetTasks(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Tasks []map[string]interface{} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Tasks, 2)

	w = doJSON(t, s, http.MethodGet, "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadySetEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v1/tasks/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []struct {
			ID string `json:"ID"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
}

func TestSetStatusValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/tasks/t1/status",
		gin.H{"status": "in_progress"})
	assert.Equal(t, http.StatusOK, w.Code)

	// in_progress -> todo is not in the transition table
	w = doJSON(t, s, http.MethodPost, "/api/v1/tasks/t1/status",
		gin.H{"status": "todo"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/tasks/nope/status",
		gin.H{"status": "todo"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetStepEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/tasks/t1/steps/t1.1",
		gin.H{"status": "done"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/tasks/t1/steps/t1.9",
		gin.H{"status": "done"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAssignEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/tasks/t2/assign",
		gin.H{"agentName": "claude"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/tasks/t2/assign",
		gin.H{"agentName": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuestionEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/questions",
		gin.H{"agentName": "claude", "question": "continue?", "choices": []string{"y", "n"}})
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = doJSON(t, s, http.MethodGet, "/api/v1/questions?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	w = doJSON(t, s, http.MethodPost, "/api/v1/questions/"+created.ID+"/answer",
		gin.H{"answer": "y"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/questions/q-0-none/answer",
		gin.H{"answer": "y"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/questions/clear-answered", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":1`)
}

func TestInterjectEndpointDeadSession(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/v1/interject",
		gin.H{"agentName": "claude"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetStuckEndpoint(t *testing.T) {
	s := newTestServer(t)
	// park t1 in in_progress so the reset has something to do
	require.NoError(t, s.store.SetStatus("t1", task.StatusInProgress))

	w := doJSON(t, s, http.MethodPost, "/api/v1/reset-stuck", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "t1")
}

func TestSessionsEndpointEmpty(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":[]`)
}

