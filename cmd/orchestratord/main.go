// orchestratord is the daemon wiring for the run-lifecycle orchestrator:
// sqlite storage, the event coordinator, the signed GitHub webhook
// ingress, and a cron-scheduled synchronization tick, fronted by a single
// mux-routed HTTP server with Prometheus metrics. The construction shape
// follows the teacher's server/plugin.go (component wiring) and
// server/poller.go (background job lifecycle via an io.Closer-shaped
// Stop()).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentpr/orchestrator/internal/audit"
	"github.com/agentpr/orchestrator/internal/clock"
	"github.com/agentpr/orchestrator/internal/coordinator"
	"github.com/agentpr/orchestrator/internal/idgen"
	"github.com/agentpr/orchestrator/internal/store"
	"github.com/agentpr/orchestrator/internal/sync"
	"github.com/agentpr/orchestrator/internal/webhook"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := configFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}

	st, err := store.Open(ctx, cfg.DatabaseDSN, clk)
	if err != nil {
		log.Fatalw("failed to open store", "error", err)
	}
	defer st.Close()

	auditSink, err := audit.NewSink(cfg.AuditLogPath)
	if err != nil {
		log.Fatalw("failed to open audit sink", "error", err)
	}

	coord := coordinator.New(st, idgen.UUIDGenerator{}, clk)

	webhookSrv := webhook.NewServer(webhook.Config{
		Path:             cfg.WebhookPath,
		Secret:           cfg.WebhookSecret,
		RequireSignature: cfg.WebhookRequireSignature,
		MaxPayloadBytes:  cfg.WebhookMaxPayloadBytes,
	}, coord, st, st, auditSink, log)

	router := mux.NewRouter()
	webhookSrv.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var scheduler *cron.Cron
	if cfg.GitHubToken != "" {
		hosting := sync.NewGitHubClient(cfg.GitHubToken)
		engine := sync.NewEngine(coord, st, hosting, log)

		scheduler = cron.New()
		spec := "@every " + cfg.SyncInterval.String()
		if _, err := scheduler.AddFunc(spec, func() {
			tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := engine.Tick(tickCtx); err != nil {
				log.Warnw("sync tick failed", "error", err)
			}
		}); err != nil {
			log.Fatalw("failed to schedule sync tick", "error", err)
		}
		scheduler.Start()
		log.Infow("github sync engine started", "interval", cfg.SyncInterval)
	} else {
		log.Infow("GITHUB_TOKEN not set, running without sync engine")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("starting orchestratord", "addr", cfg.ListenAddr, "webhook_path", cfg.WebhookPath)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Errorw("http server failed", "error", err)
		}
	}

	cancel()
	if scheduler != nil {
		stopCtx := scheduler.Stop()
		<-stopCtx.Done()
		log.Infow("sync scheduler stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http shutdown error", "error", err)
	}

	log.Infow("orchestratord shutdown complete")
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("ORCHESTRATOR_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// daemonConfig holds the env-derived wiring knobs. Policy (classifier
// limits, grading mode, allowlists) is loaded per-run by the outer CLI
// layer, out of scope for the core per spec.md §1.
type daemonConfig struct {
	ListenAddr              string
	DatabaseDSN             string
	AuditLogPath            string
	WebhookPath             string
	WebhookSecret           string
	WebhookRequireSignature bool
	WebhookMaxPayloadBytes  int64
	GitHubToken             string
	SyncInterval            time.Duration
}

func configFromEnv() daemonConfig {
	cfg := daemonConfig{
		ListenAddr:              getenvDefault("ORCHESTRATOR_LISTEN_ADDR", ":8080"),
		DatabaseDSN:             getenvDefault("ORCHESTRATOR_DB_DSN", "orchestrator.db"),
		AuditLogPath:            os.Getenv("ORCHESTRATOR_AUDIT_LOG_PATH"),
		WebhookPath:             getenvDefault("ORCHESTRATOR_WEBHOOK_PATH", "/github/webhook"),
		WebhookSecret:           os.Getenv("ORCHESTRATOR_WEBHOOK_SECRET"),
		WebhookRequireSignature: os.Getenv("ORCHESTRATOR_WEBHOOK_REQUIRE_SIGNATURE") == "true",
		WebhookMaxPayloadBytes:  1 << 20,
		GitHubToken:             os.Getenv("GITHUB_TOKEN"),
		SyncInterval:            30 * time.Second,
	}
	if v := os.Getenv("ORCHESTRATOR_WEBHOOK_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.WebhookMaxPayloadBytes = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SyncInterval = d
		}
	}
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
