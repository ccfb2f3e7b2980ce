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

	"github.com/forgeline/reqforge/internal/api"
	"github.com/forgeline/reqforge/internal/audit"
	"github.com/forgeline/reqforge/internal/config"
	"github.com/forgeline/reqforge/internal/executor"
	"github.com/forgeline/reqforge/internal/llm"
	"github.com/forgeline/reqforge/internal/pipeline"
	"github.com/forgeline/reqforge/internal/policy"
	"github.com/forgeline/reqforge/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("reqforge starting", "port", cfg.Port, "llm_mode", cfg.LLMMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store selection: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		slog.Info("database connected")
	} else {
		st = store.NewMemory()
		slog.Warn("DATABASE_URL not set; sessions are held in memory only")
	}

	// Provider
	var provider llm.Provider
	switch cfg.LLMMode {
	case "real":
		if cfg.AnthropicAPIKey == "" {
			slog.Error("ANTHROPIC_API_KEY is required when REQFORGE_LLM_MODE=real")
			os.Exit(1)
		}
		provider = llm.NewAnthropic(cfg.AnthropicAPIKey, cfg.Model, time.Duration(cfg.CallTimeoutSeconds)*time.Second)
		slog.Info("anthropic provider ready", "model", cfg.Model)
	default:
		provider = llm.NewMock()
		slog.Info("mock provider ready")
	}

	// Audit sink: NATS when configured, local slog otherwise.
	var auditLog audit.Logger
	if cfg.NatsURL != "" {
		conn, err := audit.Connect(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		auditLog = audit.NewNATSLogger(conn, slog.Default())
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		auditLog = audit.NewSlogLogger(slog.Default())
		slog.Warn("NATS not configured; audit events are logged locally only")
	}

	execCfg := executor.Config{
		MaxAttempts:      cfg.MaxRetries,
		BaseBackoff:      500 * time.Millisecond,
		CallTimeout:      time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		RateLimit:        cfg.RateLimitRPS,
		RateBurst:        cfg.RateBurst,
		RateWait:         time.Duration(cfg.RateWaitSeconds) * time.Second,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.BreakerCooldownSecond) * time.Second,
		RepairAttempts:   2,
	}
	exec := executor.New(provider, auditLog, slog.Default(), execCfg)

	gate := policy.NewGate(slog.Default())
	orch := pipeline.New(st, exec, gate, auditLog, slog.Default(), cfg.ChunkSize)

	srv := api.NewServer(cfg.Port, orch, slog.Default())
	httpSrv := &http.Server{Addr: srv.Addr(), Handler: srv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("reqforge ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	cancel()
	slog.Info("reqforge stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
