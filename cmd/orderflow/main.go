package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/orderflow/internal/app"
	"github.com/odyssey-erp/orderflow/internal/inventory"
	"github.com/odyssey-erp/orderflow/internal/masterdata"
	"github.com/odyssey-erp/orderflow/internal/observability"
	"github.com/odyssey-erp/orderflow/internal/orders"
	"github.com/odyssey-erp/orderflow/internal/platform/cache"
	"github.com/odyssey-erp/orderflow/internal/platform/db"
	"github.com/odyssey-erp/orderflow/internal/shared"
	"github.com/odyssey-erp/orderflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLifetime})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// The cache is optional: reads fall back to postgres while redis is down.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	readThrough := cache.NewReadThrough(cache.NewRedisStore(redisClient), cfg.CacheTTL, logger, metrics)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	ledger := inventory.NewLedger(inventory.LedgerConfig{AllowNegativeStock: cfg.InventoryAllowNegative})
	inventoryRepo := inventory.NewRepository(dbpool)
	inventoryService := inventory.NewService(inventoryRepo, readThrough)

	ordersService := orders.NewService(
		orders.NewRepository(dbpool),
		masterdata.NewRepository(dbpool),
		inventoryRepo,
		ledger,
		readThrough,
		orders.Options{
			Audit:    shared.NewAuditLogger(dbpool),
			Notifier: jobClient,
			Metrics:  metrics,
			Logger:   logger,
		},
	)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		PurchaseHandler:  orders.NewHandler(logger, ordersService, orders.KindPurchase),
		SalesHandler:     orders.NewHandler(logger, ordersService, orders.KindSales),
		InventoryHandler: inventory.NewHandler(logger, inventoryService),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	ordersService.Wait()
	readThrough.Wait()
}
