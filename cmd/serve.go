package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/config"
	"github.com/swarmlabs/zerg/internal/gateway"
	"github.com/swarmlabs/zerg/internal/httpapi"
	"github.com/swarmlabs/zerg/internal/locks"
	"github.com/swarmlabs/zerg/internal/runner"
	"github.com/swarmlabs/zerg/internal/scheduler"
	"github.com/swarmlabs/zerg/internal/store/sqlstore"
	"github.com/swarmlabs/zerg/internal/telemetry"
	"github.com/swarmlabs/zerg/internal/tools"
	"github.com/swarmlabs/zerg/internal/topics"
	"github.com/swarmlabs/zerg/internal/trigger"
	"github.com/swarmlabs/zerg/internal/workflow"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the zerg server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Version:  Version,
	})
	if err != nil {
		slog.Error("telemetry setup", "err", err)
		os.Exit(1)
	}

	st, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// Anything non-terminal now died with the previous process.
	if n, err := st.MarkInterruptedRunsFailed(ctx); err != nil {
		slog.Error("mark interrupted runs", "err", err)
	} else if n > 0 {
		slog.Info("marked interrupted runs failed", "count", n)
	}

	secret := cfg.Auth.Secret
	if secret == "" {
		// Dev fallback: tokens stop working across restarts.
		buf := make([]byte, 32)
		rand.Read(buf)
		secret = hex.EncodeToString(buf)
		slog.Warn("ZERG_AUTH_SECRET not set, using ephemeral secret")
	}
	validator := auth.NewJWTValidator(secret)

	eventBus := bus.New()
	defer eventBus.Close()

	topicMgr := topics.NewManager(&topics.StoreAuthorizer{Store: st})
	detach := topics.Attach(eventBus, topicMgr)
	defer detach()

	var lockMgr locks.Manager = locks.NewLocal()
	if cfg.Database.Driver == "postgres" {
		lockMgr = &locks.Layered{
			Outer: lockMgr,
			Inner: sqlstore.NewAdvisoryLocker(st.DB()),
		}
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	taskRunner := runner.New(st, eventBus, lockMgr, registry, runner.EchoModel{})
	engine := workflow.NewEngine(st, eventBus, taskRunner, registry)

	if n, err := engine.ResumeAll(ctx); err != nil {
		slog.Error("resume executions", "err", err)
	} else if n > 0 {
		slog.Info("resumed workflow executions", "count", n)
	}

	sched := scheduler.New(st, eventBus, taskRunner)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			slog.Error("start scheduler", "err", err)
			os.Exit(1)
		}
		defer sched.Stop()
	}

	ingress := trigger.NewIngress(st, eventBus, trigger.Options{
		MaxSkew:       time.Duration(cfg.Webhook.MaxSkewSeconds) * time.Second,
		RatePerMinute: cfg.Webhook.RatePerMinute,
	})

	ws := gateway.NewServer(validator, topicMgr, taskRunner, gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval,
		PongTimeout:    cfg.Server.PongTimeout,
	})

	api := &httpapi.API{
		Store:     st,
		Bus:       eventBus,
		Runner:    taskRunner,
		Engine:    engine,
		Scheduler: sched,
		Ingress:   ingress,
		Topics:    topicMgr,
		Gateway:   ws,
		Validator: validator,
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("zerg listening", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	ws.Shutdown()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch {
	case verbose:
		lvl = slog.LevelDebug
	case level == "debug":
		lvl = slog.LevelDebug
	case level == "warn":
		lvl = slog.LevelWarn
	case level == "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})))
}
