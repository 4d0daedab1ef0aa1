// Package httpapi exposes the orchestrator's state over HTTP for the
// TUI and the HTML viewer: task inspection and mutation, the human
// queue, live sessions, run history, and a websocket event stream.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/agent/runtime"
	"github.com/bloom/bloom/internal/agent/spec"
	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/events/bus"
	"github.com/bloom/bloom/internal/history"
	"github.com/bloom/bloom/internal/humanq"
	"github.com/bloom/bloom/internal/orchestrator"
	"github.com/bloom/bloom/internal/task"
)

// Config holds the listen address.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Server wires the HTTP surface over the orchestrator's collaborators.
// History and Bus may be nil; their endpoints then return 404.
type Server struct {
	cfg      Config
	store    *task.Store
	orch     *orchestrator.Orchestrator
	queue    *humanq.Queue
	registry *spec.Registry
	sessions *runtime.SessionIndex
	history  *history.Store
	bus      bus.EventBus
	log      *logger.Logger

	engine *gin.Engine
	http   *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store    *task.Store
	Orch     *orchestrator.Orchestrator
	Queue    *humanq.Queue
	Registry *spec.Registry
	Sessions *runtime.SessionIndex
	History  *history.Store
	Bus      bus.EventBus
}

// New builds the router.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		orch:     deps.Orch,
		queue:    deps.Queue,
		registry: deps.Registry,
		sessions: deps.Sessions,
		history:  deps.History,
		bus:      deps.Bus,
		log:      log.WithFields(zap.String("component", "httpapi")),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api/v1")
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/ready", s.handleReadySet)
	api.GET("/tasks/:id", s.handleGetTask)
	api.POST("/tasks/:id/status", s.handleSetStatus)
	api.POST("/tasks/:id/assign", s.handleAssign)
	api.POST("/tasks/:id/steps/:stepId", s.handleSetStep)
	api.GET("/tasks/:id/runs", s.handleTaskRuns)

	api.POST("/reset-stuck", s.handleResetStuck)
	api.POST("/interject", s.handleInterject)

	api.GET("/agents", s.handleListAgents)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/runs", s.handleRecentRuns)

	api.GET("/questions", s.handleListQuestions)
	api.POST("/questions", s.handleAskQuestion)
	api.POST("/questions/:id/answer", s.handleAnswerQuestion)
	api.DELETE("/questions/:id", s.handleDeleteQuestion)
	api.POST("/questions/clear-answered", s.handleClearAnswered)

	api.GET("/interjections", s.handleListInterjections)
	api.POST("/interjections/:id/resume", s.handleResumeInterjection)
	api.POST("/interjections/:id/dismiss", s.handleDismissInterjection)

	s.engine.GET("/ws", s.handleWebsocket)
}

// Start listens in a background goroutine.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http api listening", zap.String("addr", s.cfg.Addr()))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
