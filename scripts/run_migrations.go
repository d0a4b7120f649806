package main

import (
	"context"
	"log"
	"os"

	"github.com/safar/pharmacy-sales/internal/config"
	"github.com/safar/pharmacy-sales/internal/database"
	"github.com/safar/pharmacy-sales/internal/logging"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}

	direction := database.Direction(os.Args[1])
	if direction != database.Up && direction != database.Down {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Build logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	n, err := database.Migrate(context.Background(), db, "migrations", direction, logger)
	if err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	logger.Info("migrations complete", zap.Int("count", n), zap.String("direction", string(direction)))
}
