package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
)

// PairingClient talks to the pairing registry and opens rendezvous channels
type PairingClient struct {
	baseURL string
	http    *HTTPClient
	dialer  *websocket.Dialer
	logger  Logger
}

// NewPairingClient creates a new pairing client
func NewPairingClient(baseURL string, logger Logger) *PairingClient {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	return &PairingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewHTTPClient(httpClient, logger),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logger,
	}
}

// CreatePair registers a manifest and returns a fresh pair code
func (c *PairingClient) CreatePair(ctx context.Context, req models.CreatePairRequest) (*models.CreatePairResponse, error) {
	var resp models.CreatePairResponse
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/pair", req, &resp); err != nil {
		return nil, fmt.Errorf("create pair: %w", err)
	}
	c.logger.Debug("pair created", "pair_code", resp.Code, "transfer_id", resp.TransferID)
	return &resp, nil
}

// LookupPair resolves a pair code
func (c *PairingClient) LookupPair(ctx context.Context, code string) (*models.PairInfo, error) {
	var info models.PairInfo
	if err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/api/v1/pair/"+url.PathEscape(code), nil, &info); err != nil {
		return nil, fmt.Errorf("lookup pair: %w", err)
	}
	return &info, nil
}

// ClosePair releases a pair code
func (c *PairingClient) ClosePair(ctx context.Context, code string) error {
	if err := c.http.DoJSON(ctx, http.MethodDelete, c.baseURL+"/api/v1/pair/"+url.PathEscape(code), nil, nil); err != nil {
		return fmt.Errorf("close pair: %w", err)
	}
	return nil
}

// Stats returns registry and hub counters
func (c *PairingClient) Stats(ctx context.Context) (*models.PairStats, error) {
	var stats models.PairStats
	if err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/api/v1/stats", nil, &stats); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &stats, nil
}

// Dial attaches to the rendezvous channel of code as role
func (c *PairingClient) Dial(ctx context.Context, code string, role signal.Role) (*SignalConn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/ws/%s/%s", url.PathEscape(code), role)

	header := http.Header{}
	if requestID, ok := GetRequestID(ctx); ok {
		header.Set("X-Request-ID", requestID)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("attach %s: %w", role, handshakeError(resp))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Wrap(apperr.CodeUnavailable, err, "attach %s", role)
	}

	c.logger.Debug("rendezvous attached", "pair_code", code, "role", role)
	return NewSignalConn(conn, c.logger), nil
}

func handshakeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body apperr.Body
	_ = json.Unmarshal(data, &body)
	return apperr.FromBody(resp.StatusCode, body)
}

func decodeJSON(r io.Reader, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
