package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bloom/bloom/internal/agent/runtime"
	"github.com/bloom/bloom/internal/humanq"
	"github.com/bloom/bloom/internal/task"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var flat []*task.Task
	s.store.Snapshot().Walk(func(t *task.Task) { flat = append(flat, t) })
	c.JSON(http.StatusOK, gin.H{"tasks": flat})
}

func (s *Server) handleReadySet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.store.ReadySet(c.Query("agent"))})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// SetStatusBody is the request body for status changes.
type SetStatusBody struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var body SetStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	err := s.store.SetStatus(c.Param("id"), task.Status(body.Status))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, task.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AssignBody is the request body for agent assignment.
type AssignBody struct {
	AgentName string `json:"agentName" binding:"required"`
}

func (s *Server) handleAssign(c *gin.Context) {
	var body AssignBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if s.registry != nil && !s.registry.Exists(body.AgentName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown agent: " + body.AgentName})
		return
	}
	if err := s.store.Assign(c.Param("id"), body.AgentName); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SetStepBody is the request body for step updates.
type SetStepBody struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetStep(c *gin.Context) {
	var body SetStepBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	err := s.store.SetStep(c.Param("id"), c.Param("stepId"), task.StepStatus(body.Status))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, task.ErrTaskNotFound) || errors.Is(err, task.ErrStepNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleResetStuck(c *gin.Context) {
	ids, err := s.orch.ResetStuck()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": ids})
}

// InterjectBody is the request body for interjections.
type InterjectBody struct {
	AgentName string `json:"agentName" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *Server) handleInterject(c *gin.Context) {
	var body InterjectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	record, err := s.orch.Interject(body.AgentName, body.Reason)
	if err != nil {
		if errors.Is(err, runtime.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interjection": record})
}

func (s *Server) handleListAgents(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, gin.H{"agents": []string{}})
		return
	}
	names := make([]string, 0)
	for _, sp := range s.registry.List() {
		names = append(names, sp.Name)
	}
	c.JSON(http.StatusOK, gin.H{"agents": names})
}

func (s *Server) handleListSessions(c *gin.Context) {
	type sessionView struct {
		AgentName        string `json:"agentName"`
		TaskID           string `json:"taskId,omitempty"`
		SessionID        string `json:"sessionId,omitempty"`
		WorkingDirectory string `json:"workingDirectory"`
		PID              int    `json:"pid"`
	}
	views := make([]sessionView, 0)
	if s.sessions != nil {
		for _, sess := range s.sessions.List() {
			views = append(views, sessionView{
				AgentName:        sess.AgentName,
				TaskID:           sess.TaskID,
				SessionID:        sess.CurrentSessionID(),
				WorkingDirectory: sess.WorkingDirectory,
				PID:              sess.PID,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleRecentRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.history.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleTaskRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
		return
	}
	runs, err := s.history.ListRunsForTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleListQuestions(c *gin.Context) {
	questions, err := s.queue.ListQuestions(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

// AskQuestionBody is the request body agents post to ask a question.
type AskQuestionBody struct {
	AgentName string   `json:"agentName" binding:"required"`
	Question  string   `json:"question" binding:"required"`
	TaskID    string   `json:"taskId"`
	Choices   []string `json:"choices"`
}

func (s *Server) handleAskQuestion(c *gin.Context) {
	var body AskQuestionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	id, err := s.queue.AskQuestion(body.AgentName, body.Question, humanq.AskOptions{
		TaskID:  body.TaskID,
		Choices: body.Choices,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// AnswerBody is the request body for answering a question.
type AnswerBody struct {
	Answer string `json:"answer" binding:"required"`
}

func (s *Server) handleAnswerQuestion(c *gin.Context) {
	var body AnswerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	ok, err := s.queue.AnswerQuestion(c.Param("id"), body.Answer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeleteQuestion(c *gin.Context) {
	if err := s.queue.DeleteQuestion(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleClearAnswered(c *gin.Context) {
	removed, err := s.queue.ClearAnswered()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleListInterjections(c *gin.Context) {
	interjections, err := s.queue.ListInterjections(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interjections": interjections})
}

func (s *Server) handleResumeInterjection(c *gin.Context) {
	ok, err := s.queue.MarkInterjectionResumed(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "interjection not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDismissInterjection(c *gin.Context) {
	ok, err := s.queue.DismissInterjection(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "interjection not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
