// Command foremand is the Foreman server daemon. It opens the backing
// store, preloads worker templates from config, and serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/deliverable"
	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/internal/version"
	"github.com/GoCodeAlone/foreman/msgbus"
	"github.com/GoCodeAlone/foreman/orchestrate"
	"github.com/GoCodeAlone/foreman/runtime"
	"github.com/GoCodeAlone/foreman/server"
	"github.com/GoCodeAlone/foreman/server/api"
	"github.com/GoCodeAlone/foreman/storage"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/template"
	"github.com/GoCodeAlone/foreman/worker"
)

var configPath = flag.String("config", "foreman.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		var loadErr error
		cfg, loadErr = config.Load(*configPath)
		if loadErr != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, loadErr)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting foremand",
		"version", version.Version,
		"commit", version.Commit,
	)

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	eventLog := event.NewLog(db)
	registry := template.NewRegistry(db, eventLog)
	tasks := task.NewStore(db)
	pool := worker.NewPool(db, registry, tasks, eventLog, logger)
	pipeline := deliverable.NewPipeline(db, eventLog)
	bus := msgbus.NewBus(db, eventLog, pool)

	rt := runtime.NewWebhook(runtime.WebhookConfig{
		BaseURL: cfg.Runtime.URL,
		Token:   cfg.Runtime.Token,
	})
	orch := orchestrate.New(db, tasks, registry, pool, pipeline, eventLog, rt, logger)

	if err := preloadTemplates(cfg, registry, logger); err != nil {
		log.Fatalf("Failed to preload templates: %v", err)
	}

	handlers := &api.Handlers{
		Orchestrator: orch,
		Tasks:        tasks,
		Templates:    registry,
		Pool:         pool,
		Deliverables: pipeline,
		Bus:          bus,
		Events:       eventLog,
		Logger:       logger,
	}
	srv := server.New(*cfg, version.Version, handlers, eventLog, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

// preloadTemplates creates config-declared templates that do not exist yet.
func preloadTemplates(cfg *config.Config, registry *template.Registry, logger *slog.Logger) error {
	for _, tc := range cfg.Templates {
		if _, err := registry.GetByName(tc.Name); err == nil {
			continue
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		status := template.StatusDraft
		if tc.Active {
			status = template.StatusActive
		}
		t := &template.Template{
			Name:         tc.Name,
			DisplayName:  tc.DisplayName,
			Role:         tc.Role,
			TaskTypes:    tc.TaskTypes,
			Model:        tc.Model,
			Tools:        tc.Tools,
			Skills:       tc.Skills,
			SystemPrompt: tc.SystemPrompt,
			ReviewEvery:  tc.ReviewEvery,
			MaxParallel:  tc.MaxParallel,
			Status:       status,
		}
		if _, err := registry.Create(t); err != nil {
			return err
		}
		logger.Info("preloaded template", "name", tc.Name, "status", string(status))
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
