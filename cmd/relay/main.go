package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-relay/internal/app"
	"telegram-relay/internal/infra/config"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/pr"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assign stdout and stderr", zap.Error(err))
	}
	defer pr.Close()

	// envPath — .env с секретами и настройками; маршруты лежат в ROUTES_FILE.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.InitWithFile(cfg.LogLevel, logger.FileOptions{
		Path:       cfg.LogFile,
		Level:      cfg.LogFileLevel,
		MaxSizeMB:  cfg.LogFileMaxSize,
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAgeDays: cfg.LogFileMaxAge,
		Compress:   cfg.LogFileCompress,
	})
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	defer logger.Close()
	for _, msg := range cfg.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runErr := app.NewApp(ctx, stop, cfg).Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	logger.Info("Graceful shutdown complete")
}
