package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/config"
	"github.com/SirClappington/wifipay/internal/logging"
	"github.com/SirClappington/wifipay/internal/storage"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := storage.Migrate(context.Background(), cfg.PostgresDSN); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	logger.Info("migrations applied")
}
