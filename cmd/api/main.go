package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safar/pharmacy-sales/internal/api"
	"github.com/safar/pharmacy-sales/internal/config"
	"github.com/safar/pharmacy-sales/internal/database"
	"github.com/safar/pharmacy-sales/internal/logging"
	"github.com/safar/pharmacy-sales/internal/sales"
	"github.com/safar/pharmacy-sales/internal/store"
	"go.uber.org/zap"
)

func main() {
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

	logger.Info("connected to database",
		zap.String("lock_mode", string(cfg.Stock.LockMode)),
		zap.Duration("lock_timeout", cfg.Stock.LockTimeout),
	)

	svc := sales.NewService(
		store.New(db, store.OptionsFromConfig(cfg.Stock)),
		sales.Policy{
			TaxRate:       cfg.Sales.TaxRate,
			PointsDivisor: cfg.Sales.PointsDivisor,
			NumberPrefix:  cfg.Sales.NumberPrefix,
		},
		sales.WithLogger(logger),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(api.NewHandler(svc, logger), cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
