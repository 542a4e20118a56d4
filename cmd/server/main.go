package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/predikt/predikt-engine/internal/allocator"
	"github.com/predikt/predikt-engine/internal/auth"
	"github.com/predikt/predikt-engine/internal/config"
	"github.com/predikt/predikt-engine/internal/database"
	"github.com/predikt/predikt-engine/internal/events"
	"github.com/predikt/predikt-engine/internal/exchange"
	"github.com/predikt/predikt-engine/internal/executor"
	"github.com/predikt/predikt-engine/internal/ingest"
	"github.com/predikt/predikt-engine/internal/ledger"
	"github.com/predikt/predikt-engine/internal/orderbook"
	"github.com/predikt/predikt-engine/internal/trigger"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	_ = godotenv.Load()

	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the trading engine with graceful shutdown
// support. It wires the tick pipeline (feed, dispatcher, evaluator,
// executor), the background loops, and the API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	gin.SetMode(cfg.GinMode)

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Core services. The allocator and the ledger reference each other, so
	// the equity source is connected after both exist.
	bus := events.NewBus(db)

	book, err := orderbook.NewBook(db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize order book")
	}

	alloc, err := allocator.NewAllocator(db, nil)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize allocator")
	}

	ledgerService, err := ledger.NewService(db, cfg.InitialCash, alloc)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize portfolio ledger")
	}
	alloc.SetEquitySource(ledgerService)

	if cfg.StrategiesFile != "" {
		if _, err := allocator.NewLoader(cfg.StrategiesFile, alloc); err != nil {
			zlog.Warn().Err(err).Str("file", cfg.StrategiesFile).Msg("Strategy file not loaded")
		}
	}

	executorService := executor.NewService(
		db, book, alloc, ledgerService, bus,
		exchange.NewSimulator(),
		executor.RetryPolicy{
			MaxAttempts:    cfg.ExecMaxAttempts,
			Backoff:        cfg.ExecBackoff,
			AttemptTimeout: cfg.ExecAttemptTimeout,
		},
	)

	evaluator := trigger.NewEvaluator(book, bus, executorService, cfg.StaleTickLimit)
	ingestDB := ingest.NewDatabase(db)

	// The pipeline for one tick: evaluate triggers, record the price,
	// execute whatever fired. Runs on the dispatcher's per-market workers.
	tickHandler := func(ctx context.Context, tick types.Tick) {
		triggered, err := evaluator.OnTick(tick.MarketID, tick.Price, tick.Timestamp)
		if err != nil {
			var stale *trigger.StaleTickError
			switch {
			case errors.As(err, &stale):
				zlog.Warn().Str("market_id", tick.MarketID).Msg("stale tick dropped")
			case errors.Is(err, trigger.ErrMarketSuspended):
				zlog.Warn().Str("market_id", tick.MarketID).Msg("tick ignored, market suspended")
			default:
				zlog.Error().Err(err).Str("market_id", tick.MarketID).Msg("tick evaluation failed")
			}
			return
		}

		if err := ingestDB.UpsertMarketPrice(tick.MarketID, tick.Price, tick.Timestamp); err != nil {
			zlog.Error().Err(err).Str("market_id", tick.MarketID).Msg("failed to record market price")
		}

		for _, event := range triggered {
			if err := executorService.Execute(ctx, event); err != nil {
				zlog.Error().Err(err).
					Str("order_id", event.OrderID).
					Str("trade_id", event.TradeID).
					Msg("trigger execution failed")
			}
		}
	}

	dispatcher := trigger.NewDispatcher(cfg.DispatchWorkers, cfg.DispatchQueueSize, tickHandler)

	// Background loops
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	go func() {
		if err := dispatcher.Start(backgroundCtx); err != nil {
			zlog.Error().Err(err).Msg("tick dispatcher stopped")
		}
	}()
	sweeper := orderbook.NewSweeper(book, bus, cfg.SweepInterval)
	go sweeper.Start(backgroundCtx)
	go ledger.NewMarker(ledgerService, cfg.MarkInterval).Start(backgroundCtx)

	if cfg.FeedURL != "" {
		feed := ingest.NewFeed(ingest.FeedConfig{
			URL:     cfg.FeedURL,
			Markets: cfg.FeedMarkets,
		}, dispatcher)
		go feed.Start(backgroundCtx)
	}

	// Services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret,
		auth.ScopeTrade, auth.ScopePortfolioRead, auth.ScopeInternal)

	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg.JWTSecret,
		auth.NewGinHandlers(authService),
		ingest.NewGinHandlers(db),
		orderbook.NewGinHandlers(book, bus, sweeper),
		executor.NewGinHandlers(executorService),
		allocator.NewGinHandlers(alloc),
		ledger.NewGinHandlers(ledgerService),
		events.NewGinHandlers(bus),
		trigger.NewGinHandlers(dispatcher, evaluator),
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Int("port", cfg.Port).Msg("Engine started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	backgroundCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Trading routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	marketHandlers *ingest.GinHandlers,
	orderHandlers *orderbook.GinHandlers,
	tradeHandlers *executor.GinHandlers,
	strategyHandlers *allocator.GinHandlers,
	portfolioHandlers *ledger.GinHandlers,
	eventHandlers *events.GinHandlers,
	tickHandlers *trigger.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Market routes
		markets := v1.Group("/markets")
		markets.Use(middleware.JWTAuth(jwtSecret))
		{
			markets.POST("", marketHandlers.CreateMarketHandler())
			markets.GET("", marketHandlers.ListMarketsHandler())
			markets.GET("/:market_id", marketHandlers.GetMarketHandler())
			markets.GET("/:market_id/orders", orderHandlers.ListMarketOrdersHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(jwtSecret))
		{
			trades.POST("", tradeHandlers.OpenTradeHandler())
			trades.GET("", tradeHandlers.ListTradesHandler())
			trades.GET("/:trade_id", tradeHandlers.GetTradeHandler())
			trades.POST("/:trade_id/cancel", tradeHandlers.CancelTradeHandler())
		}

		// Conditional order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", orderHandlers.RegisterOrderHandler())
			orders.GET("/:order_id", orderHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
		}

		// Strategy routes
		strategies := v1.Group("/strategies")
		strategies.Use(middleware.JWTAuth(jwtSecret))
		{
			strategies.POST("", strategyHandlers.CreateStrategyHandler())
			strategies.GET("", strategyHandlers.ListStrategiesHandler())
			strategies.GET("/:strategy_id", strategyHandlers.GetStrategyHandler())
		}

		// Portfolio routes
		portfolio := v1.Group("/portfolio")
		portfolio.Use(middleware.JWTAuth(jwtSecret))
		{
			portfolio.GET("", portfolioHandlers.LatestHandler())
			portfolio.GET("/history", portfolioHandlers.HistoryHandler())
			portfolio.GET("/events", eventHandlers.HistoryHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/ticks", tickHandlers.IngestTickHandler())
			internal.POST("/reconcile/:market_id", tickHandlers.ReconcileHandler())
			internal.POST("/sweep", orderHandlers.SweepHandler())
		}
	}
}
