// IssueFlow host process — serves webhook ingress, manages the session
// admission queue, and supervises agent sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/issueflow/issueflow/pkg/agent"
	"github.com/issueflow/issueflow/pkg/agent/prompt"
	"github.com/issueflow/issueflow/pkg/attachment"
	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/events"
	"github.com/issueflow/issueflow/pkg/ingress"
	"github.com/issueflow/issueflow/pkg/manager"
	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/renderer"
	"github.com/issueflow/issueflow/pkg/store"
	"github.com/issueflow/issueflow/pkg/supervisor"
	"github.com/issueflow/issueflow/pkg/tracker"
	"github.com/issueflow/issueflow/pkg/version"
)

// managerHealth adapts the manager's typed health view to the ingress
// reporter interface.
type managerHealth struct{ mgr *manager.Manager }

func (h managerHealth) Health() any { return h.mgr.Health() }

func main() {
	debug := flag.Bool("debug", false,
		"run against an in-memory tracker and a scripted agent, no credentials required")
	repoPath := flag.String("repository-config",
		os.Getenv("REPOSITORY_CONFIG"),
		"path to the repository YAML configuration")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	if !*debug {
		if err := cfg.RequireCredentials(); err != nil {
			slog.Error("Missing credentials", "error", err)
			os.Exit(1)
		}
	}
	if cfg.TrackerMemberID == "" {
		cfg.TrackerMemberID = "issueflow-bot"
	}

	repo := config.DefaultRepository()
	if *repoPath != "" {
		if repo, err = config.LoadRepositoryFile(*repoPath); err != nil {
			slog.Error("Invalid repository configuration", "path", *repoPath, "error", err)
			os.Exit(2)
		}
	} else {
		repo.ID = "default"
		repo.WorkingDir = cfg.HomeDir
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("Starting IssueFlow",
		"version", version.Full(),
		"repository", repo.ID,
		"home_dir", cfg.HomeDir,
		"debug", *debug)

	ctx := context.Background()

	storage := store.NewFileStorage(cfg.HomeDir)
	flusher := store.NewFlusher(storage, logger, nil)

	// The tracker contract's in-tree implementation is in-memory; it is
	// authoritative in debug mode and mirrors webhook payloads otherwise.
	// A hosted tracker client plugs in here.
	trk := tracker.NewMemoryTracker()
	trk.AddMember(models.Member{ID: cfg.TrackerMemberID, Name: "IssueFlow"})

	runner := agent.NewScriptedRunner(demoScript(), true)
	adapter := agent.NewAdapter(runner,
		cfg.Streaming.EventBufferHighWatermark, cfg.Timeouts.StopGracePeriod)

	liveView := renderer.NewWSRenderer(cfg.Timeouts.NetworkTimeout, logger)
	bus := events.NewBus()

	mgr := manager.New(cfg, repo, manager.Deps{
		Store:     store.NewStore(),
		Storage:   storage,
		Flusher:   flusher,
		Tracker:   trk,
		Adapter:   adapter,
		Assembler: prompt.NewAssembler(),
		Cache:     attachment.NewCache(cfg, logger),
		Validator: supervisor.NewAgentValidator(adapter),
		Renderer:  liveView,
		Bus:       bus,
		Logger:    logger,
	})

	liveView.OnUserInput(func(sessionID, text string) {
		err := mgr.SignalSession(sessionID, models.AgentSignal{
			Type:    models.SignalFeedback,
			Message: text,
		})
		if err != nil {
			logger.Debug("Dropping live-view input", "session_id", sessionID, "error", err)
		}
	})
	liveView.OnStopRequest(func(sessionID string) {
		err := mgr.SignalSession(sessionID, models.AgentSignal{
			Type:   models.SignalStop,
			Reason: "stopped from live view",
		})
		if err != nil {
			logger.Debug("Dropping live-view stop", "session_id", sessionID, "error", err)
		}
	})

	if err := mgr.Start(ctx); err != nil {
		logger.Error("Failed to start session manager", "error", err)
		os.Exit(1)
	}

	httpServer := ingress.NewServer(cfg, mirroringDispatcher{mgr: mgr, trk: trk}, logger)
	httpServer.SetHealthReporter(managerHealth{mgr: mgr})
	httpServer.MountWS("/ws", liveView.HandleHTTP)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	if *debug {
		seedDebugIssue(trk, cfg.TrackerMemberID, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Ingress failure triggered shutdown", "error", err)
		exitCode = 1
	}

	// Stop taking webhooks first, then let in-flight sessions wind down
	// under the manager's shutdown grace.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("Ingress shutdown error", "error", err)
	}

	mgr.Stop()
	bus.Close()

	logger.Info("Shutdown complete")
	os.Exit(exitCode)
}

// mirroringDispatcher upserts webhook issue payloads into the tracker
// before routing the event, so issue lookups resolve for issues this
// process first learns about over the webhook.
type mirroringDispatcher struct {
	mgr *manager.Manager
	trk *tracker.MemoryTracker
}

func (d mirroringDispatcher) HandleEvent(ctx context.Context, ev models.WebhookEvent) error {
	if ev.Issue != nil {
		d.trk.CreateIssue(*ev.Issue)
	}
	return d.mgr.HandleEvent(ctx, ev)
}

// seedDebugIssue creates and assigns a demo issue so a session runs end
// to end without any tracker traffic.
func seedDebugIssue(trk *tracker.MemoryTracker, memberID string, logger *slog.Logger) {
	trk.CreateIssue(models.Issue{
		ID:         "demo-1",
		Identifier: "DEMO-1",
		Title:      "Demo: exercise the session pipeline",
		Description: "Scripted end-to-end run. Subscribe to /ws and send " +
			`{"action":"subscribe","session_id":"<id>"} to watch it live.`,
	})
	if err := trk.AssignIssue("demo-1", memberID); err != nil {
		logger.Warn("Failed to assign demo issue", "error", err)
		return
	}
	logger.Info("Debug issue assigned", "issue_id", "demo-1", "member_id", memberID)
}

// demoScript is the scripted agent played in debug mode. Verdict lines
// keep the validator loop passing.
func demoScript() []agent.ScriptStep {
	return []agent.ScriptStep{
		{
			Event: agent.Event{Type: agent.EventText, Content: "Reading the issue and planning the change."},
			Delay: 200 * time.Millisecond,
		},
		{
			Event: agent.Event{Type: agent.EventToolUse, Tool: "edit_file", Input: "README.md"},
			Delay: 300 * time.Millisecond,
		},
		{
			Event: agent.Event{Type: agent.EventToolResult, Tool: "edit_file", Result: "ok"},
			Delay: 100 * time.Millisecond,
		},
		{
			Event: agent.Event{Type: agent.EventText, Content: "Change applied.\nVERDICT: PASS"},
			Delay: 200 * time.Millisecond,
		},
		{
			Event: agent.CompleteEvent("Demo run finished.", 0),
			Delay: 100 * time.Millisecond,
		},
	}
}
