package models

import (
	"time"

	"github.com/lyzr/sendanywhere/common/manifest"
)

// PairStatus is the lifecycle state of a pairing session
type PairStatus string

const (
	PairWaiting PairStatus = "waiting"
	PairPaired  PairStatus = "paired"
)

// PairSession is the registry record behind a pair code
type PairSession struct {
	// 6-digit human-enterable code
	Code string `json:"code"`

	// Relay transfer the code resolves to
	TransferID string `json:"transfer_id"`

	Manifest *manifest.Manifest `json:"manifest"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its TTL at now
func (s *PairSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CreatePairRequest is the body of POST /api/v1/pair
type CreatePairRequest struct {
	Manifest   *manifest.Manifest `json:"manifest"`
	TransferID string             `json:"transfer_id,omitempty"`
}

// CreatePairResponse is returned when a pair code is issued
type CreatePairResponse struct {
	Code       string `json:"code"`
	TransferID string `json:"transfer_id"`
	ExpiresIn  int    `json:"expires_in"` // seconds
}

// PairInfo is returned by GET /api/v1/pair/:code
type PairInfo struct {
	Code         string             `json:"code"`
	TransferID   string             `json:"transfer_id"`
	Manifest     *manifest.Manifest `json:"manifest"`
	Status       PairStatus         `json:"status"`
	RolesPresent []string           `json:"roles_present"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

// PairStats is returned by GET /api/v1/stats
type PairStats struct {
	ActiveSessions int `json:"active_sessions"`
	ConnectedPeers int `json:"connected_peers"`
	OpenRooms      int `json:"open_rooms"`
}
