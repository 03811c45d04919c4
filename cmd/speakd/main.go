package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/oratora/speakd/internal/auth"
	"github.com/oratora/speakd/internal/collab"
	"github.com/oratora/speakd/internal/config"
	"github.com/oratora/speakd/internal/httpapi"
	"github.com/oratora/speakd/internal/observability"
	"github.com/oratora/speakd/internal/pipeline"
	"github.com/oratora/speakd/internal/registry"
	"github.com/oratora/speakd/internal/session"
	"github.com/oratora/speakd/internal/store"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "speakd",
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", "err", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	resources, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("resource store init failed", "err", err)
	}
	defer resources.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("no DATABASE_URL configured, session results are kept in memory only")
	}

	var collaborators collab.Set
	if cfg.HTTPCollaborators() {
		collaborators = collab.HTTPSet(cfg.TranscriberURL, cfg.EvaluatorURL, cfg.SynthesizerURL)
		logger.Info("collaborators: http",
			"transcriber", cfg.TranscriberURL,
			"evaluator", cfg.EvaluatorURL,
			"synthesizer", cfg.SynthesizerURL,
		)
	} else {
		collaborators = collab.MockSet()
		logger.Info("collaborators: mock (no endpoints configured)")
	}

	verifier, err := auth.NewVerifier(cfg.AuthTokens)
	if err != nil {
		logger.Fatal("auth config error", "err", err)
	}
	if !verifier.Enabled() {
		logger.Warn("authentication disabled, all sessions run as anonymous")
	}

	reg := registry.New(cfg.RegistryCapacity)
	coordinator := pipeline.New(collaborators, pipeline.Config{
		TotalBudget:  cfg.PipelineTimeout,
		StageTimeout: cfg.StageTimeout,
		RetryBase:    cfg.RetryBase,
		RetryCap:     cfg.RetryCap,
	}, metrics, logger)

	factory := session.NewFactory(session.Limits{
		MaxDuration:         cfg.MaxSpeakDuration,
		MaxSubjectLen:       cfg.MaxSubjectLen,
		AudioBytesPerSecond: cfg.AudioBytesPerSecond,
		ViolationLimit:      cfg.ViolationLimit,
	}, coordinator, resources, reg, metrics, logger)

	runners := func(ownerID string, closeFn func(reason string)) httpapi.SessionRunner {
		return factory.NewRunner(ownerID, closeFn)
	}
	api := httpapi.New(cfg, runners, reg, verifier, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	// Stop accepting sessions, tell every live one the server is going away,
	// then give in-flight connections the shutdown window to drain.
	logger.Info("draining sessions", "count", reg.ActiveCount())
	reg.CloseAll("server-shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
