package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enrichhq/enrich-api/internal/config"
	"github.com/enrichhq/enrich-api/internal/cooldown"
	"github.com/enrichhq/enrich-api/internal/enrich"
	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/pattern"
	"github.com/enrichhq/enrich-api/internal/platform/sqlite"
	"github.com/enrichhq/enrich-api/internal/ratelimit"
	cooldownrepo "github.com/enrichhq/enrich-api/internal/repository/cooldown"
	jobrepo "github.com/enrichhq/enrich-api/internal/repository/job"
	raterepo "github.com/enrichhq/enrich-api/internal/repository/ratecounter"
	sessionrepo "github.com/enrichhq/enrich-api/internal/repository/session"
	"github.com/enrichhq/enrich-api/internal/server"
	"github.com/enrichhq/enrich-api/internal/session"
	"github.com/enrichhq/enrich-api/internal/supervisor"
	"github.com/enrichhq/enrich-api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Root context: cancelled on SIGINT/SIGTERM so in-flight workers stop
	// promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Open database
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Repositories
	jobRepo := jobrepo.NewRepository(db.DB)
	counterRepo := raterepo.NewRepository(db.DB)
	cooldownRepo := cooldownrepo.NewRepository(db.DB)
	sessionRepo := sessionrepo.NewRepository(db.DB)

	// Human pattern table
	patterns := pattern.Default()
	if cfg.PatternFile != "" {
		patterns, err = pattern.Load(cfg.PatternFile)
		if err != nil {
			slog.Error("failed to load pattern table", "error", err)
			os.Exit(1)
		}
	}

	// Services
	cooldowns := cooldown.NewManager(cooldownRepo,
		time.Duration(cfg.CooldownDays)*24*time.Hour, jobRepo, counterRepo)
	jobSvc := job.NewService(jobRepo, cooldowns)
	sessionSvc := session.NewService(sessionRepo, cfg.SessionTTL)
	limiter := ratelimit.NewLimiter(counterRepo, patterns, ratelimit.Config{
		DailyLimit:      cfg.DailyLimit,
		HourlyLimit:     cfg.HourlyLimit,
		DefaultMinDelay: cfg.DefaultMinDelay,
		DefaultMaxDelay: cfg.DefaultMaxDelay,
	})

	// Worker runner: one loop per job, processing collaborators behind it.
	// The stub pipeline is the offline-safe default; real deployments plug
	// in their own fetch/transform/CRM connectors here.
	pipeline := enrich.NewStubPipeline(cfg.StageTimeout)
	runner := worker.NewRunner(worker.New(jobSvc, limiter, sessionSvc, pipeline))

	// Recovery supervisor: resume interrupted jobs, then keep scanning for
	// orphaned or resumable ones.
	sup := supervisor.New(jobSvc, runner, cfg.ScanInterval, cfg.StaleAfter, cfg.RespawnLimit)
	if err := sup.RecoverOnStartup(rootCtx); err != nil {
		slog.Error("failed to recover interrupted jobs", "error", err)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		sup.Run(gctx)
		return nil
	})

	// HTTP server — rootCtx is used as BaseContext so every request context
	// inherits from it and is cancelled on shutdown.
	srv := server.New(rootCtx, cfg.Port, server.Deps{
		Jobs:         jobSvc,
		Sessions:     sessionSvc,
		Limiter:      limiter,
		Cooldowns:    cooldowns,
		Runner:       runner,
		RequestRate:  cfg.RequestRate,
		RequestBurst: cfg.RequestBurst,
	})

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	<-done

	// Cancel root context first so in-flight workers begin winding down
	// immediately.
	rootCancel()

	// Wait for the supervisor and every worker to drain before shutting
	// down HTTP.
	_ = g.Wait()
	runner.Wait()

	// Then drain connections with a deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
