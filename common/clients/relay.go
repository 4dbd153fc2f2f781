package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/models"
)

// HeaderContentSHA256 carries the hex SHA-256 of a chunk body
const HeaderContentSHA256 = "X-Content-SHA256"

// RelayClient talks to the relay chunk store API
type RelayClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewRelayClient creates a new relay client
func NewRelayClient(baseURL string, logger Logger) *RelayClient {
	httpClient := &http.Client{
		Timeout: 2 * time.Minute,
	}

	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

func (c *RelayClient) transferURL(transferID string, parts ...string) string {
	u := fmt.Sprintf("%s/api/v1/transfers/%s", c.baseURL, url.PathEscape(transferID))
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// CreateTransfer registers a manifest; repeating it with the same manifest is a no-op
func (c *RelayClient) CreateTransfer(ctx context.Context, transferID string, m *manifest.Manifest) error {
	req := models.CreateTransferRequest{TransferID: transferID, Manifest: m}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/transfers", req, nil); err != nil {
		return fmt.Errorf("create transfer %s: %w", transferID, err)
	}
	c.logger.Debug("relay transfer created", "transfer_id", transferID)
	return nil
}

// Manifest fetches the manifest registered for a transfer
func (c *RelayClient) Manifest(ctx context.Context, transferID string) (*manifest.Manifest, error) {
	var m manifest.Manifest
	if err := c.http.DoJSON(ctx, http.MethodGet, c.transferURL(transferID, "manifest"), nil, &m); err != nil {
		return nil, fmt.Errorf("get manifest %s: %w", transferID, err)
	}
	return &m, nil
}

// PutChunk uploads one chunk with its hash for server-side verification
func (c *RelayClient) PutChunk(ctx context.Context, transferID string, index int, data []byte) (*models.ChunkReceipt, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set(HeaderContentSHA256, manifest.Checksum(data))

	resp, err := c.http.DoRequest(ctx, http.MethodPut, c.transferURL(transferID, "chunks", fmt.Sprint(index)), bytes.NewReader(data), header)
	if err != nil {
		return nil, fmt.Errorf("put chunk %d: %w", index, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("put chunk %d: %w", index, err)
	}

	var receipt models.ChunkReceipt
	if err := decodeJSON(resp.Body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetChunk downloads one chunk. The body is checked against the hash header
// the relay recorded at upload time.
func (c *RelayClient) GetChunk(ctx context.Context, transferID string, index int) ([]byte, string, error) {
	resp, err := c.http.DoRequest(ctx, http.MethodGet, c.transferURL(transferID, "chunks", fmt.Sprint(index)), nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("get chunk %d: %w", index, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return nil, "", fmt.Errorf("get chunk %d: %w", index, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.CodeUnavailable, err, "read chunk %d", index)
	}

	hash := manifest.Checksum(data)
	if want := resp.Header.Get(HeaderContentSHA256); want != "" && !strings.EqualFold(want, hash) {
		return nil, "", apperr.New(apperr.CodeIntegrityMismatch, "chunk %d: relay hash %s, got %s", index, want, hash)
	}
	return data, hash, nil
}

// Status reports which chunks the relay holds
func (c *RelayClient) Status(ctx context.Context, transferID string) (*models.TransferStatus, error) {
	var status models.TransferStatus
	if err := c.http.DoJSON(ctx, http.MethodGet, c.transferURL(transferID, "status"), nil, &status); err != nil {
		return nil, fmt.Errorf("get status %s: %w", transferID, err)
	}
	return &status, nil
}

// DeleteTransfer releases a transfer's storage
func (c *RelayClient) DeleteTransfer(ctx context.Context, transferID string) error {
	if err := c.http.DoJSON(ctx, http.MethodDelete, c.transferURL(transferID), nil, nil); err != nil {
		return fmt.Errorf("delete transfer %s: %w", transferID, err)
	}
	return nil
}

// Cleanup asks the relay to run its retention sweep now
func (c *RelayClient) Cleanup(ctx context.Context) (int, error) {
	var res models.CleanupResult
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/cleanup", nil, &res); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.Deleted, nil
}
