package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/sendanywhere/cmd/signaling/repository"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
)

const (
	// CodeLength is the number of decimal digits in a pair code
	CodeLength = 6

	codeSpace = 1_000_000

	// Refuse new codes once this share of the space is active, so random
	// draws keep finding free codes quickly
	maxActiveCodes = codeSpace * 9 / 10

	maxCodeAttempts = 16
)

// Registry issues and resolves pair codes
type Registry struct {
	store   repository.SessionStore
	clock   clock.Clock
	ttl     time.Duration
	log     *logger.Logger
	metrics *Metrics

	// codeGen is replaced in tests to force collisions
	codeGen func() (string, error)
	onClose func(code string)
}

// NewRegistry creates a registry issuing codes valid for ttl
func NewRegistry(store repository.SessionStore, clk clock.Clock, ttl time.Duration, log *logger.Logger, metrics *Metrics) *Registry {
	return &Registry{
		store:   store,
		clock:   clk,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
		codeGen: randomCode,
	}
}

// OnClose registers a hook run after a code is explicitly closed
func (r *Registry) OnClose(fn func(code string)) {
	r.onClose = fn
}

// randomCode draws a uniformly random zero-padded 6-digit code
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// ValidCode reports whether code is six decimal digits
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Create issues a fresh code bound to the manifest and transfer id
func (r *Registry) Create(ctx context.Context, req models.CreatePairRequest) (*models.CreatePairResponse, error) {
	if req.Manifest == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "manifest is required")
	}
	if err := req.Manifest.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid manifest")
	}

	transferID := req.TransferID
	if transferID == "" {
		transferID = uuid.NewString()
	}

	now := r.clock.Now()
	session := &models.PairSession{
		TransferID: transferID,
		Manifest:   req.Manifest,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
	}

	// Draw codes until one is free. The active count is only consulted
	// once a draw collides, which is rare while the space is sparse.
	counted := false
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.codeGen()
		if err != nil {
			return nil, err
		}
		session.Code = code

		ok, err := r.store.Insert(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
		if !ok {
			r.log.Debug("pair code collision", "attempt", attempt+1)
			if !counted {
				counted = true
				if err := r.checkCapacity(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		r.metrics.PairsCreated.Inc()
		r.log.WithPairCode(code).Info("pair code issued",
			"transfer_id", transferID,
			"entries", req.Manifest.EntryCount,
			"total_size", req.Manifest.TotalSize,
			"expires_at", session.ExpiresAt,
		)

		return &models.CreatePairResponse{
			Code:       code,
			TransferID: transferID,
			ExpiresIn:  int(r.ttl / time.Second),
		}, nil
	}

	return nil, apperr.Wrap(apperr.CodeCodeSpaceExhausted, nil, "no free code after %d attempts", maxCodeAttempts)
}

// checkCapacity refuses new codes when the space is nearly full
func (r *Registry) checkCapacity(ctx context.Context) error {
	active, err := r.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	if active >= maxActiveCodes {
		r.log.Warn("pair code space exhausted", "active", active)
		return apperr.ErrCodeSpaceExhausted
	}
	return nil
}

// Lookup resolves a code. Expired sessions are evicted and reported as
// ErrPairExpired, which also matches ErrPairNotFound.
func (r *Registry) Lookup(ctx context.Context, code string) (*models.PairSession, error) {
	if !ValidCode(code) {
		r.metrics.PairLookups.WithLabelValues("not_found").Inc()
		return nil, apperr.ErrPairNotFound
	}

	session, err := r.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, apperr.ErrPairNotFound) {
			r.metrics.PairLookups.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}

	if session.Expired(r.clock.Now()) {
		if _, err := r.store.Delete(ctx, code); err != nil {
			r.log.Warn("failed to evict expired session", "pair_code", code, "error", err)
		}
		r.metrics.PairLookups.WithLabelValues("expired").Inc()
		return nil, apperr.ErrPairExpired
	}

	r.metrics.PairLookups.WithLabelValues("found").Inc()
	return session, nil
}

// Attach validates that role may join code's rendezvous
func (r *Registry) Attach(ctx context.Context, code string, role signal.Role) (*models.PairSession, error) {
	if !role.Valid() {
		return nil, apperr.New(apperr.CodeInvalidArgument, "invalid role %q", role)
	}
	return r.Lookup(ctx, code)
}

// Close removes a code before its expiry and tears down its rendezvous
func (r *Registry) Close(ctx context.Context, code string) error {
	deleted, err := r.store.Delete(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return apperr.ErrPairNotFound
	}

	if r.onClose != nil {
		r.onClose(code)
	}

	r.log.WithPairCode(code).Info("pair code closed")
	return nil
}

// Count returns the number of stored sessions
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// Sweep removes expired sessions and returns how many were removed
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	codes, err := r.store.Codes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := r.clock.Now()
	removed := 0
	for _, code := range codes {
		session, err := r.store.Get(ctx, code)
		if err != nil {
			continue // gone already
		}
		if !session.Expired(now) {
			continue
		}
		if ok, err := r.store.Delete(ctx, code); err == nil && ok {
			removed++
		}
	}

	r.metrics.SessionsSwept.Add(float64(removed))
	r.metrics.SessionsActive.Set(float64(len(codes) - removed))
	return removed, nil
}

// Run sweeps every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.Sweep(ctx)
			if err != nil {
				r.log.Warn("session sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				r.log.Info("expired sessions swept", "removed", removed)
			}
		}
	}
}
