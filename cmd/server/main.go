package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apqp-suite/changecore/internal/analytics"
	"github.com/apqp-suite/changecore/internal/api"
	"github.com/apqp-suite/changecore/internal/changelog"
	"github.com/apqp-suite/changecore/internal/config"
	"github.com/apqp-suite/changecore/internal/db"
	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/impact"
	"github.com/apqp-suite/changecore/internal/propagation"
	"github.com/apqp-suite/changecore/internal/repository"
	"github.com/apqp-suite/changecore/internal/snapshot"
	"github.com/apqp-suite/changecore/internal/workflow"
	"github.com/apqp-suite/changecore/pkg/logging"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		panic(err)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Info("starting change-management core")

	if err := db.RunMigrations(cfg.Database, "migrations"); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := db.NewConnection(ctx, cfg.Database)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer conn.Close()

	projects := repository.NewProjectRepository(conn)
	versions := repository.NewVersionRepository(conn.Pool)
	events := repository.NewChangeEventRepository(conn.Pool)
	rules := repository.NewRuleRepository(conn.Pool)
	deps := repository.NewDependencyRepository(conn.Pool)
	impacts := repository.NewImpactRepository(conn.Pool)
	workflows := repository.NewWorkflowRepository(conn.Pool)
	gated := repository.NewGatedActionRepository(conn.Pool)
	notifications := repository.NewNotificationRepository(conn.Pool)
	risk := repository.NewRiskRepository(conn.Pool)

	analyzer := impact.NewAnalyzer(deps, impacts, events, domain.DefaultRiskCutPoints(), log)
	workflowEngine := workflow.NewEngine(workflows, events, notifications,
		cfg.Workflow.FallbackRole, cfg.Workflow.DefaultStepTimeoutHours, log)
	propagator := propagation.NewEngine(rules, events, deps, gated, notifications, analyzer, log)
	workflowEngine.SetReleaser(propagator)

	changes := changelog.NewService(projects, events, analyzer, workflowEngine, propagator, log)
	snapshots := snapshot.NewService(conn, projects, versions, log)
	snapshots.SetRecorder(changes)

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := cache.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, risk summary cache disabled")
			cache = nil
		}
		pingCancel()
	}
	aggregator := analytics.NewAggregator(risk, cache, log)

	server := api.NewServer(snapshots, changes, analyzer, workflowEngine, aggregator, rules, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	if cache != nil {
		_ = cache.Close()
	}
	log.Info("stopped")
}
