package repository

import (
	"context"

	"github.com/lyzr/sendanywhere/common/models"
)

// SessionStore persists pair sessions keyed by code
type SessionStore interface {
	// Insert stores s unless its code is held by a live session. It returns
	// false when the code is taken.
	Insert(ctx context.Context, s *models.PairSession) (bool, error)

	// Get returns the session for code or apperr.ErrPairNotFound
	Get(ctx context.Context, code string) (*models.PairSession, error)

	// Delete removes code and reports whether it existed
	Delete(ctx context.Context, code string) (bool, error)

	// Count returns the number of stored sessions, expired ones included
	// until they are swept
	Count(ctx context.Context) (int, error)

	// Codes lists stored codes for sweeping
	Codes(ctx context.Context) ([]string, error)
}
