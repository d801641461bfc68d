package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskops/nudged/internal/config"
	"github.com/taskops/nudged/internal/escalate"
	"github.com/taskops/nudged/internal/pyrus"
	"github.com/taskops/nudged/internal/scanner"
	"github.com/taskops/nudged/internal/store"
	"github.com/taskops/nudged/internal/telemetry"
	"github.com/taskops/nudged/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and the escalation scanner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg config.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	if err := telemetry.Init(ctx, "nudged", Version); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(ctx, cfg.DatabasePath, cfg.ScheduleTZ, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()
	taskStore := telemetry.WrapStore(st)

	client := pyrus.NewClient(pyrus.Config{
		AuthURL:       cfg.AuthURL,
		BaseURL:       cfg.APIBaseURL,
		BotID:         cfg.BotID,
		ClientFieldID: cfg.ClientFieldID,
	}, logger)
	retrier, err := pyrus.NewRetrier(pyrus.DefaultTries, pyrus.DefaultDelay,
		pyrus.DefaultRetryKinds, taskStore, logger)
	if err != nil {
		return fmt.Errorf("build retrier: %w", err)
	}
	api := pyrus.NewRetryingClient(client, retrier)

	worker := escalate.NewWorker(taskStore, api, escalate.Config{
		FirstManagerID:  cfg.FirstManagerID,
		SecondManagerID: cfg.SecondManagerID,
		NudgeText:       cfg.NudgeText,
		EscalateText:    cfg.EscalateText,
	}, logger)

	sc := scanner.New(taskStore, api, worker, scanner.Config{
		Login:       cfg.Login,
		SecurityKey: cfg.SecurityKey,
		Interval:    cfg.ScanIntervalDuration(),
		LockExpiry:  cfg.LockExpiry(),
		Limit:       cfg.LimitProcessTasks,
		MaxWorkers:  int64(cfg.MaxWorkers),
	}, logger)
	go sc.Run(ctx)

	srv := webhook.NewServer(webhook.ServerConfig{
		Store:  taskStore,
		Secret: []byte(cfg.SecurityKey),
		BotID:  cfg.BotID,
		Logger: logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", cfg.ListenAddr())
		if err := srv.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook server shutdown failed", "error", err)
	}
	return nil
}

// buildLogger assembles the structured logger: JSON records at the configured
// level, rotated on disk when a log file is set, stderr otherwise.
func buildLogger(cfg config.Settings) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var sink io.Writer = os.Stderr
	if cfg.LogFile != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
}
