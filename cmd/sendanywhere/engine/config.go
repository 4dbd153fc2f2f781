package engine

import (
	"time"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/config"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/retry"
)

// Config holds the engine's timing and parallelism knobs
type Config struct {
	FallbackDeadline  time.Duration
	ReceiverGrace     time.Duration
	AckTimeout        time.Duration
	DiscoveryTimeout  time.Duration
	CompletionLinger  time.Duration
	MaxParallelChunks int
	Retry             retry.Policy
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		FallbackDeadline:  5 * time.Second,
		ReceiverGrace:     2 * time.Second,
		AckTimeout:        10 * time.Second,
		DiscoveryTimeout:  1500 * time.Millisecond,
		CompletionLinger:  30 * time.Second,
		MaxParallelChunks: 4,
		Retry:             retry.DefaultPolicy(),
	}
}

// ConfigFrom maps the client transfer settings onto an engine Config
func ConfigFrom(tc config.TransferConfig) Config {
	cfg := DefaultConfig()
	cfg.FallbackDeadline = tc.FallbackDeadline
	cfg.ReceiverGrace = tc.ReceiverGrace
	cfg.AckTimeout = tc.AckTimeout
	cfg.DiscoveryTimeout = tc.DiscoveryTimeout
	cfg.CompletionLinger = tc.CompletionLinger
	cfg.MaxParallelChunks = tc.MaxParallelChunks
	cfg.Retry.MaxAttempts = tc.MaxRetryAttempts
	cfg.Retry.Delay = tc.RetryDelay
	return cfg
}

func (c Config) chunkRetry() retry.Policy {
	p := c.Retry
	p.ShouldRetry = apperr.Retryable
	return p
}

// Hooks let the caller observe a transfer. Every hook is optional and must
// not block; OnProgress is called from the goroutine moving the bytes.
type Hooks struct {
	OnPaired   func(code string, expiresIn time.Duration)
	OnMode     func(mode Mode)
	OnProgress func(done, total int)
}

func (h Hooks) paired(code string, expiresIn time.Duration) {
	if h.OnPaired != nil {
		h.OnPaired(code, expiresIn)
	}
}

func (h Hooks) mode(m Mode) {
	if h.OnMode != nil {
		h.OnMode(m)
	}
}

func (h Hooks) progress(done, total int) {
	if h.OnProgress != nil {
		h.OnProgress(done, total)
	}
}

// Deps are the collaborators of an Engine. Peer, Direct and Journal may be
// nil to disable that feature.
type Deps struct {
	Pairing Pairing
	Dial    DialFunc
	Relay   Relay
	Peer    PeerTransport
	Direct  DirectTransport
	Journal Journal
	Logger  *logger.Logger
}

// Result describes a finished transfer
type Result struct {
	Code       string
	TransferID string
	Mode       Mode // path that delivered the bytes
	// Confirmed is set when the receiver reported completion. A sender
	// that fell back to the relay may finish without it, leaving the upload
	// for a later receive.
	Confirmed bool
	Bytes      int64
	Chunks     int
	Duration   time.Duration
}

// Engine runs the sending and receiving sides of a transfer
type Engine struct {
	cfg   Config
	deps  Deps
	hooks Hooks
	log   *logger.Logger
}

// New creates an engine
func New(cfg Config, deps Deps, hooks Hooks) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MaxParallelChunks < 1 {
		cfg.MaxParallelChunks = 1
	}
	return &Engine{cfg: cfg, deps: deps, hooks: hooks, log: log}
}
