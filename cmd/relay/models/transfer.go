package models

import (
	"time"

	"github.com/lyzr/sendanywhere/common/manifest"
)

// RelayTransfer is a transfer registered with the relay
type RelayTransfer struct {
	TransferID string             `json:"transfer_id"`
	Manifest   *manifest.Manifest `json:"manifest"`
	CreatedAt  time.Time          `json:"created_at"`
}

// ChunkMeta describes a stored chunk without its bytes
type ChunkMeta struct {
	Size int    `json:"size"`
	Hash string `json:"hash"` // hex SHA-256 computed by the relay
}

// Chunk is a stored chunk with its bytes
type Chunk struct {
	Data []byte
	Hash string
}
