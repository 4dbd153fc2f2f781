package container

import (
	"fmt"

	"github.com/lyzr/sendanywhere/cmd/relay/repository"
	"github.com/lyzr/sendanywhere/cmd/relay/service"
	"github.com/lyzr/sendanywhere/common/bootstrap"
	"github.com/lyzr/sendanywhere/common/clock"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	Store repository.ChunkStore

	// Services
	Metrics      *service.Metrics
	RelayService *service.RelayService

	MaxChunkBytes int64
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	return NewContainerWithClock(components, clock.Real{})
}

// NewContainerWithClock is NewContainer with an injected clock
func NewContainerWithClock(components *bootstrap.Components, clk clock.Clock) (*Container, error) {
	cfg := components.Config.Relay

	// Initialize repositories
	var store repository.ChunkStore
	switch cfg.Backend {
	case "memory":
		store = repository.NewMemoryStore()
	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("relay backend %q requires redis", cfg.Backend)
		}
		store = repository.NewRedisStore(components.Redis, clk, cfg.Retention)
	case "postgres":
		if components.DB == nil {
			return nil, fmt.Errorf("relay backend %q requires a database", cfg.Backend)
		}
		store = repository.NewPostgresStore(components.DB)
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Backend)
	}

	// Initialize services
	metrics := service.NewMetrics(components.Telemetry.Registerer())
	relayService := service.NewRelayService(store, clk, cfg.Retention, components.Logger, metrics)

	return &Container{
		Components:    components,
		Store:         store,
		Metrics:       metrics,
		RelayService:  relayService,
		MaxChunkBytes: cfg.MaxChunkBytes,
	}, nil
}
