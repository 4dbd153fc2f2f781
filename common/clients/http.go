package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lyzr/sendanywhere/common/apperr"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-aware helpers
// It automatically extracts metadata from context and adds appropriate headers
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request, extracting metadata from context
// Transport failures come back as apperr unavailable errors; a cancelled
// context comes back as ctx.Err().
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	// Create request with context
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	// Extract request ID from context and set X-Request-ID header
	if requestID, ok := GetRequestID(ctx); ok {
		req.Header.Set("X-Request-ID", requestID)
	}

	// Execute request
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("http request failed", "method", method, "url", url, "error", err)
		return nil, apperr.Wrap(apperr.CodeUnavailable, err, "%s %s failed", method, url)
	}
	return resp, nil
}

// DoJSON sends in as a JSON body (nil for none) and decodes a 2xx response
// into out (nil to discard). Non-2xx responses are decoded into coded errors.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	header := http.Header{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.DoRequest(ctx, method, url, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CheckResponse turns a non-2xx response into a coded error
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body apperr.Body
	if err := json.Unmarshal(data, &body); err != nil {
		body = apperr.Body{}
	}
	if body.Error == "" && len(data) > 0 {
		body.Message = string(data)
	}
	return apperr.FromBody(resp.StatusCode, body)
}
