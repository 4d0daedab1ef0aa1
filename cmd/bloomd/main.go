// Package main is the entry point for the bloomd daemon: it loads the
// task graph, starts the scheduler, and serves the HTTP/websocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/agent/runtime"
	"github.com/bloom/bloom/internal/agent/spec"
	"github.com/bloom/bloom/internal/common/clock"
	"github.com/bloom/bloom/internal/common/config"
	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/events/bus"
	"github.com/bloom/bloom/internal/history"
	"github.com/bloom/bloom/internal/httpapi"
	"github.com/bloom/bloom/internal/humanq"
	"github.com/bloom/bloom/internal/orchestrator"
	"github.com/bloom/bloom/internal/prompts"
	"github.com/bloom/bloom/internal/task"
	"github.com/bloom/bloom/internal/worktree"
)

func main() {
	var (
		dirFlag  = flag.String("dir", "", "bloom directory (default ~/.bloom)")
		taskFlag = flag.String("tasks", "", "task file (default <dir>/tasks.yaml)")
	)
	flag.Parse()

	// 1. Load configuration
	var (
		cfg      *config.Config
		warnings []string
		err      error
	)
	if *dirFlag != "" {
		cfg, warnings, err = config.LoadFromDir(*dirFlag)
	} else {
		cfg, warnings, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *taskFlag != "" {
		cfg.TaskFile = *taskFlag
	}
	if err := os.MkdirAll(cfg.BloomDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create bloom directory: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	for _, w := range warnings {
		log.Warn(w)
	}

	log.Info("Starting bloomd...",
		zap.String("bloom_dir", cfg.BloomDir),
		zap.String("task_file", cfg.TaskFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Load the task graph
	store, err := task.Load(cfg.TaskFile, log)
	if err != nil {
		log.Fatal("Failed to load task file", zap.Error(err))
	}

	// 4. Agent spec registry: embedded defaults plus user overrides
	registry := spec.NewRegistry(log)
	if err := registry.LoadDefaults(); err != nil {
		log.Fatal("Failed to load agent specs", zap.Error(err))
	}
	userSpecs := filepath.Join(cfg.BloomDir, "agents.json")
	if _, statErr := os.Stat(userSpecs); statErr == nil {
		if err := registry.LoadFromFile(userSpecs); err != nil {
			log.Fatal("Failed to load user agent specs", zap.Error(err))
		}
	}

	// 5. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 6. Human queue over <bloomDir>/.questions and .interjections
	queue, err := humanq.New(cfg.BloomDir, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize human queue", zap.Error(err))
	}

	// 7. Worktree manager and prompt assembler
	repos, err := worktree.NewManager(worktree.Config{BaseDir: cfg.Worktree.BasePath}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}
	assembler, err := prompts.New(repos, cfg.BloomDir, "", log)
	if err != nil {
		log.Fatal("Failed to initialize prompt assembler", zap.Error(err))
	}

	// 8. Run history
	var runs *history.Store
	if cfg.History.Enabled {
		runs, err = history.Open(cfg.HistoryPath())
		if err != nil {
			log.Fatal("Failed to open run history", zap.Error(err))
		}
		defer runs.Close()
	}

	// 9. Agent runtime
	runner := runtime.New(runtime.Config{
		HardKillGrace: cfg.HardKillGrace(),
	}, runtime.NewSessionIndex(), clock.New(), eventBus, log)

	// 10. Orchestrator
	orchCfg := orchestrator.Config{
		MaxParallelAgents: cfg.MaxParallelAgents,
		MaxAttempts:       cfg.MaxAttempts,
		PollInterval:      cfg.PollInterval(),
		DefaultAgent:      cfg.DefaultAgent,
		BloomDir:          cfg.BloomDir,
	}
	for name, o := range cfg.Agents {
		if o.Model != "" {
			if orchCfg.Models == nil {
				orchCfg.Models = make(map[string]string)
			}
			orchCfg.Models[name] = o.Model
		}
		if hb := cfg.AgentHeartbeat(name); hb > 0 {
			if orchCfg.HeartbeatIntervals == nil {
				orchCfg.HeartbeatIntervals = make(map[string]time.Duration)
			}
			orchCfg.HeartbeatIntervals[name] = hb
		}
		if to := cfg.AgentTimeout(name); to > 0 {
			if orchCfg.ActivityTimeouts == nil {
				orchCfg.ActivityTimeouts = make(map[string]time.Duration)
			}
			orchCfg.ActivityTimeouts[name] = to
		}
		if len(o.Env) > 0 {
			if orchCfg.ExtraEnv == nil {
				orchCfg.ExtraEnv = make(map[string]map[string]string)
			}
			orchCfg.ExtraEnv[name] = o.Env
		}
	}
	orch := orchestrator.New(orchCfg, orchestrator.Deps{
		Store:     store,
		Registry:  registry,
		Runner:    runner,
		Assembler: assembler,
		Queue:     queue,
		History:   runs,
		Bus:       eventBus,
	}, log)

	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator started")

	// 11. HTTP API
	server := httpapi.New(httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, httpapi.Deps{
		Store:    store,
		Orch:     orch,
		Queue:    queue,
		Registry: registry,
		Sessions: runner.Sessions(),
		History:  runs,
		Bus:      eventBus,
	}, log)
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down bloomd...")

	// 13. Graceful shutdown: stop claiming, terminate agents, drain HTTP
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.Stop(); err != nil && err != orchestrator.ErrNotRunning {
		log.Error("Orchestrator stop error", zap.Error(err))
	}

	log.Info("bloomd stopped")
}
