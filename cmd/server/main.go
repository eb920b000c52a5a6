// Package main provides the entry point for the backtest backend server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradeboard/backtest-backend/internal/api"
	"github.com/tradeboard/backtest-backend/internal/config"
	"github.com/tradeboard/backtest-backend/internal/data"
	"github.com/tradeboard/backtest-backend/internal/orchestrator"
	"github.com/tradeboard/backtest-backend/internal/pyrunner"
	"github.com/tradeboard/backtest-backend/internal/telemetry"
	"github.com/tradeboard/backtest-backend/internal/workers"
	"github.com/tradeboard/backtest-backend/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg := config.Load()

	// Command line flags override the environment
	host := flag.String("host", cfg.Host, "Server host")
	port := flag.Int("port", cfg.Port, "Server port")
	dataDir := flag.String("data", cfg.DataDir, "Data directory")
	engine := flag.String("engine", cfg.Engine, "Backtest engine (native, python)")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("Starting backtest backend",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("dataDir", *dataDir),
		zap.String("engine", *engine),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize data store
	dataStore, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	// Initialize worker pool
	poolConfig := workers.DefaultPoolConfig()
	if cfg.WorkerCount > 0 {
		poolConfig.NumWorkers = cfg.WorkerCount
	}
	if cfg.QueueSize > 0 {
		poolConfig.QueueSize = cfg.QueueSize
	}
	pool := workers.NewPool(logger, poolConfig)
	if err := pool.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker pool", zap.Error(err))
	}

	// Initialize backtest runner
	var runner orchestrator.Runner
	switch *engine {
	case config.EnginePython:
		runner = pyrunner.NewRunner(logger, pyrunner.Config{
			InterpreterPath: cfg.InterpreterPath,
			ScriptPath:      cfg.ScriptPath,
			RowLimit:        cfg.RowLimit,
		}, dataStore)
	case config.EngineNative:
		runner = orchestrator.NewNativeRunner(logger, dataStore, cfg.DefaultSpan)
	default:
		logger.Fatal("Unknown engine", zap.String("engine", *engine))
	}

	// Initialize telemetry
	metrics := telemetry.NewMetrics()

	// Initialize orchestrator
	orch := orchestrator.New(logger, orchestrator.Config{
		MaxJobDuration: cfg.MaxJobDuration,
	}, runner, pool, metrics)

	// Server configuration
	serverConfig := &types.ServerConfig{
		Host:          *host,
		Port:          *port,
		WebSocketPath: "/ws",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		EnableMetrics: cfg.EnableMetrics,
		DefaultSpan:   cfg.DefaultSpan,
	}

	server := api.NewServer(logger, serverConfig, dataStore, orch, metrics)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", *host, *port)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", *host, *port)),
	)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
