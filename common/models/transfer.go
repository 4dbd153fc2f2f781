package models

import (
	"github.com/lyzr/sendanywhere/common/manifest"
)

// CreateTransferRequest is the body of POST /api/v1/transfers
type CreateTransferRequest struct {
	TransferID string             `json:"transfer_id"`
	Manifest   *manifest.Manifest `json:"manifest"`
}

// TransferStatus reports relay upload progress
type TransferStatus struct {
	TransferID      string  `json:"transfer_id"`
	UploadedChunks  int     `json:"uploaded_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Complete        bool    `json:"complete"`
	Progress        float64 `json:"progress"`
	AvailableChunks []int   `json:"available_chunks"`
}

// ChunkReceipt is returned after a chunk upload
type ChunkReceipt struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Size       int    `json:"size"`
	Hash       string `json:"hash"`
}

// CleanupResult is returned by POST /api/v1/cleanup
type CleanupResult struct {
	Deleted int `json:"deleted"`
}
