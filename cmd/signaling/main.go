package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/sendanywhere/cmd/signaling/container"
	"github.com/lyzr/sendanywhere/cmd/signaling/routes"
	"github.com/lyzr/sendanywhere/common/bootstrap"
	"github.com/lyzr/sendanywhere/common/config"
	commonmw "github.com/lyzr/sendanywhere/common/middleware"
	"github.com/lyzr/sendanywhere/common/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("signaling")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Bootstrap common components (logger, redis, telemetry). Sessions never
	// touch Postgres.
	opts := []bootstrap.Option{bootstrap.WithCustomConfig(cfg), bootstrap.WithoutDB()}
	if cfg.Pairing.Store != "redis" {
		opts = append(opts, bootstrap.WithoutRedis())
	}

	components, err := bootstrap.Setup(ctx, "signaling", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap signaling: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Advisory cleanup of expired codes
	go serviceContainer.Registry.Run(ctx, cfg.Pairing.SweepInterval)

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, components)

	// Setup health check and metrics
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(ctx, e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	e.Use(commonmw.RequestLogger(components.Logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check and metrics endpoints
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "signaling",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "signaling",
		})
	})

	if components.Telemetry != nil && components.Config.Telemetry.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(components.Telemetry.MetricsHandler()))
	}
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterPairRoutes(e, serviceContainer)
	routes.RegisterRendezvousRoutes(e, serviceContainer)
}

// startServer serves until SIGINT/SIGTERM
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting signaling", "port", port, "store", components.Config.Pairing.Store)

	srv := server.New("signaling", port, e, components.Logger, server.WithLongLivedConnections())
	if err := srv.Run(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
