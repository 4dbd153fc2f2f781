package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/sendanywhere/cmd/relay/container"
	"github.com/lyzr/sendanywhere/cmd/relay/repository"
	"github.com/lyzr/sendanywhere/cmd/relay/routes"
	"github.com/lyzr/sendanywhere/common/bootstrap"
	"github.com/lyzr/sendanywhere/common/config"
	"github.com/lyzr/sendanywhere/common/db"
	commonmw "github.com/lyzr/sendanywhere/common/middleware"
	"github.com/lyzr/sendanywhere/common/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("relay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Bootstrap only what the configured backend needs
	opts := []bootstrap.Option{bootstrap.WithCustomConfig(cfg)}
	switch cfg.Relay.Backend {
	case "postgres":
		opts = append(opts, bootstrap.WithoutRedis(), bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.Migrate(ctx, database)
		}))
	case "redis":
		opts = append(opts, bootstrap.WithoutDB())
	default:
		opts = append(opts, bootstrap.WithoutDB(), bootstrap.WithoutRedis())
	}

	components, err := bootstrap.Setup(ctx, "relay", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap relay: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Retention sweeper
	go runSweeper(ctx, serviceContainer, components)

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, components)

	// Setup health check and metrics
	setupHealthCheck(e, components)

	// Register all routes
	routes.RegisterTransferRoutes(e, serviceContainer)

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
				"service": "relay",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "relay",
			"backend": components.Config.Relay.Backend,
		})
	})

	if components.Telemetry != nil && components.Config.Telemetry.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(components.Telemetry.MetricsHandler()))
	}
}

// runSweeper deletes transfers past retention every sweep interval
func runSweeper(ctx context.Context, c *container.Container, components *bootstrap.Components) {
	ticker := time.NewTicker(components.Config.Relay.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			removed, err := c.RelayService.Sweep(ctx)
			components.Telemetry.RecordDuration("relay_sweep", start)
			if err != nil {
				components.Logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				components.Logger.Info("expired transfers swept", "removed", removed)
			}
		}
	}
}

// startServer serves until SIGINT/SIGTERM
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting relay", "port", port, "backend", components.Config.Relay.Backend)

	// Chunk bodies can be large on slow links
	srv := server.New("relay", port, e, components.Logger, server.WithLongLivedConnections())
	if err := srv.Run(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
