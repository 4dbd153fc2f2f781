package container

import (
	"fmt"

	"github.com/lyzr/sendanywhere/cmd/signaling/repository"
	"github.com/lyzr/sendanywhere/cmd/signaling/service"
	"github.com/lyzr/sendanywhere/common/bootstrap"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/ratelimit"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	Store repository.SessionStore

	// Services
	Metrics  *service.Metrics
	Registry *service.Registry
	Hub      *service.Hub

	// Rate limiting (nil without Redis)
	RateLimiter     *ratelimit.RateLimiter
	LookupLimit     int64
	LookupWindowSec int
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	return NewContainerWithClock(components, clock.Real{})
}

// NewContainerWithClock is NewContainer with an injected clock
func NewContainerWithClock(components *bootstrap.Components, clk clock.Clock) (*Container, error) {
	cfg := components.Config.Pairing

	// Initialize repositories
	var store repository.SessionStore
	switch cfg.Store {
	case "memory":
		store = repository.NewMemoryStore(clk)
	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("pair store %q requires redis", cfg.Store)
		}
		store = repository.NewRedisStore(components.Redis, clk)
	default:
		return nil, fmt.Errorf("unknown pair store %q", cfg.Store)
	}

	// Initialize services (bottom-up: dependencies first)
	metrics := service.NewMetrics(components.Telemetry.Registerer())
	hub := service.NewHub(components.Logger, metrics)
	registry := service.NewRegistry(store, clk, cfg.CodeTTL, components.Logger, metrics)
	registry.OnClose(hub.CloseRoom)

	var limiter *ratelimit.RateLimiter
	if components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	return &Container{
		Components:      components,
		Store:           store,
		Metrics:         metrics,
		Registry:        registry,
		Hub:             hub,
		RateLimiter:     limiter,
		LookupLimit:     int64(cfg.LookupLimit),
		LookupWindowSec: int(cfg.LookupWindow.Seconds()),
	}, nil
}
