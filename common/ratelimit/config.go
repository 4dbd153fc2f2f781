package ratelimit

// Scope names a rate limited operation
type Scope string

const (
	ScopePairLookup Scope = "pair_lookup" // GET /api/v1/pair/:code and /ws attaches
	ScopePairCreate Scope = "pair_create" // POST /api/v1/pair
)

// ScopeConfig defines the rate limit for one scope
type ScopeConfig struct {
	Scope         Scope
	Limit         int64  // Requests allowed per window
	WindowSeconds int    // Time window in seconds
	Description   string // Human-readable description
}

// Default scope configurations. Lookups are the brute-force surface of the
// 6-digit code space, so they get the tightest limit.
var DefaultScopeConfigs = map[Scope]ScopeConfig{
	ScopePairLookup: {
		Scope:         ScopePairLookup,
		Limit:         30,
		WindowSeconds: 60,
		Description:   "Pair code lookups per client IP - 30/minute",
	},
	ScopePairCreate: {
		Scope:         ScopePairCreate,
		Limit:         60,
		WindowSeconds: 60,
		Description:   "Pair code creation per client IP - 60/minute",
	},
}

// GetScopeConfig returns the configuration for a scope, falling back to the
// lookup limit for unknown scopes
func GetScopeConfig(scope Scope) ScopeConfig {
	if config, exists := DefaultScopeConfigs[scope]; exists {
		return config
	}
	return DefaultScopeConfigs[ScopePairLookup]
}
