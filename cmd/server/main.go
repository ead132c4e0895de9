package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/vipshop-api/internal/alipay"
	"github.com/ksred/vipshop-api/internal/auth"
	"github.com/ksred/vipshop-api/internal/catalog"
	"github.com/ksred/vipshop-api/internal/config"
	"github.com/ksred/vipshop-api/internal/database"
	"github.com/ksred/vipshop-api/internal/orders"
	"github.com/ksred/vipshop-api/internal/reconcile"
	"github.com/ksred/vipshop-api/internal/users"
	"github.com/ksred/vipshop-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
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

// main initializes and runs the VIP shop API server with graceful shutdown
// support. It wires the catalog, user, order and reconciliation services
// against one database and one gateway client.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	gateway, err := alipay.NewClient(cfg.Alipay)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize payment gateway client")
	}

	router := gin.Default()

	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(cfg.APIKey, cfg.APISecret)

	catalogService := catalog.NewService(db)
	catalogHandlers := catalog.NewGinHandlers(catalogService)

	userService := users.NewService(db)
	userHandlers := users.NewGinHandlers(userService)

	orderService := orders.NewService(db, catalogService, gateway, cfg.DedupWindow)
	orderHandlers := orders.NewGinHandlers(orderService)

	reconcileService := reconcile.NewService(db, orderService.GetDB(), catalogService, gateway)
	reconcileHandlers := reconcile.NewGinHandlers(reconcileService)

	// Sweep abandoned orders back into stock in the background.
	sweeper := reconcile.NewSweeper(reconcileService, cfg.SweepInterval, cfg.SweepMaxAge)
	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	defer sweeperCancel()

	go sweeper.Start(sweeperCtx)

	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg, catalogHandlers, userHandlers, orderHandlers, reconcileHandlers, authHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures the API surface:
// - Buyer routes at their fixed paths, consumed by the buyer-side client
// - Gateway callback routes, whose wire formats the gateway dictates
// - Operational routes under /api/v1, protected by JWT
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	catalogHandlers *catalog.GinHandlers,
	userHandlers *users.GinHandlers,
	orderHandlers *orders.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
	authHandlers *auth.GinHandlers,
) {
	// Buyer-facing routes
	router.GET("/goods", catalogHandlers.ListGoodsHandler())
	router.GET("/vip", userHandlers.VipExpiryHandler())
	router.GET("/regist", userHandlers.RegisterHandler())
	router.POST("/createTrade", orderHandlers.CreateTradeHandler())

	// Gateway callbacks
	router.POST("/notify", reconcileHandlers.NotifyHandler())
	router.GET("/return", reconcileHandlers.ReturnHandler())

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/close/:trade_no", reconcileHandlers.CloseTradeHandler())
		}
	}
}
