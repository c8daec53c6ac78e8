// internal/rmsp/client.go - RMSP bridge client
package rmsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ugorji/go/codec"
	"go.uber.org/zap"
)

var (
	// ErrServerNotFound is returned for a destination nobody has announced
	ErrServerNotFound = errors.New("rmsp: server not found")
	// ErrRemote wraps an error response sent by the server
	ErrRemote = errors.New("rmsp: server error")
)

// request paths on the bridge
const (
	pathAnnounces = "/announces"
	pathQuery     = "/query/"
	pathFetch     = "/fetch/"
)

// maxResponseSize bounds a single bridge response
const maxResponseSize = 128 << 20

// QueryResponse answers a /query request
type QueryResponse struct {
	Available    bool     `codec:"a" json:"available"`
	Geohash      string   `codec:"g" json:"geohash"`
	ZoomRange    []uint32 `codec:"z" json:"zoom_range,omitempty"`
	Size         *int64   `codec:"s" json:"size,omitempty"`
	TileCount    *int64   `codec:"t" json:"tile_count,omitempty"`
	ETA          *int64   `codec:"eta" json:"eta,omitempty"`
	ContentHash  []byte   `codec:"h" json:"content_hash,omitempty"`
	Updated      *int64   `codec:"u" json:"updated,omitempty"`
	TTL          *int64   `codec:"ttl" json:"ttl,omitempty"`
	ErrorCode    *int64   `codec:"e" json:"error_code,omitempty"`
	ErrorMessage string   `codec:"m" json:"error_message,omitempty"`
}

type announceEnvelope struct {
	Dest    []byte `codec:"d"`
	Hops    int    `codec:"h"`
	AppData []byte `codec:"a"`
}

type cellRequest struct {
	Geohash string   `codec:"g"`
	Zoom    []uint32 `codec:"z,omitempty"`
}

type errorResponse struct {
	Code    *int64 `codec:"e"`
	Message string `codec:"m"`
}

// Client talks to a local bridge that relays RMSP requests onto the mesh
type Client struct {
	baseURL  string
	http     *http.Client
	handle   *codec.MsgpackHandle
	registry *Registry
	logger   *zap.Logger
}

// NewClient creates a bridge client. Discovered servers are stored in registry.
func NewClient(baseURL string, timeout time.Duration, registry *Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		handle:   msgpackHandle(),
		registry: registry,
		logger:   logger,
	}
}

// Registry returns the client's server registry
func (c *Client) Registry() *Registry {
	return c.registry
}

// Discover pulls the announces the bridge has heard and records every valid
// one. It returns the number of servers recorded.
func (c *Client) Discover(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, pathAnnounces, nil)
	if err != nil {
		return 0, err
	}

	var envelopes []announceEnvelope
	if err := codec.NewDecoderBytes(body, c.handle).Decode(&envelopes); err != nil {
		return 0, fmt.Errorf("invalid announce list: %w", err)
	}

	added := 0
	for _, env := range envelopes {
		if _, err := c.registry.AddAnnounce(env.Dest, env.AppData, env.Hops); err != nil {
			c.logger.Warn("Skipping invalid announce", zap.Error(err))
			continue
		}
		added++
	}
	return added, nil
}

// Query asks a known server whether it has data for a cell
func (c *Client) Query(ctx context.Context, destHex, geohash string, minZoom, maxZoom uint32) (*QueryResponse, error) {
	if _, ok := c.registry.Get(destHex); !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, destHex)
	}

	payload, err := c.encode(cellRequest{Geohash: geohash, Zoom: []uint32{minZoom, maxZoom}})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, pathQuery+destHex, payload)
	if err != nil {
		return nil, err
	}

	var resp QueryResponse
	if err := codec.NewDecoderBytes(body, c.handle).Decode(&resp); err != nil {
		return nil, fmt.Errorf("invalid query response: %w", err)
	}
	if resp.ErrorCode != nil {
		return &resp, fmt.Errorf("%w: code %d: %s", ErrRemote, *resp.ErrorCode, resp.ErrorMessage)
	}
	if resp.Geohash == "" {
		resp.Geohash = geohash
	}
	return &resp, nil
}

// Fetch downloads the tile bundle for a cell. An empty cell yields nil.
func (c *Client) Fetch(ctx context.Context, destHex, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
	payload, err := c.encode(cellRequest{Geohash: geohash, Zoom: []uint32{minZoom, maxZoom}})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, pathFetch+destHex, payload)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	if remote := c.remoteError(body); remote != nil {
		return nil, remote
	}

	c.logger.Debug("Received tile bundle",
		zap.String("geohash", geohash),
		zap.Int("bytes", len(body)))
	return body, nil
}

// FetchFunc binds Fetch to one destination, matching the mesh fetcher's
// injected function
func (c *Client) FetchFunc(destHex string) func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
	return func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		return c.Fetch(ctx, destHex, geohash, minZoom, maxZoom)
	}
}

// remoteError detects a msgpack error map in place of a tile bundle. A
// bundle starts with a big-endian count whose high byte can never look like
// a msgpack map header for a valid count.
func (c *Client) remoteError(body []byte) error {
	if !isMsgpackMap(body[0]) {
		return nil
	}
	var resp errorResponse
	if err := codec.NewDecoderBytes(body, c.handle).Decode(&resp); err != nil {
		return nil
	}
	if resp.Code == nil {
		return nil
	}
	c.logger.Warn("Fetch error from server", zap.Int64("code", *resp.Code), zap.String("message", resp.Message))
	return fmt.Errorf("%w: code %d: %s", ErrRemote, *resp.Code, resp.Message)
}

func isMsgpackMap(b byte) bool {
	return (b >= 0x80 && b <= 0x8f) || b == 0xde || b == 0xdf
}

func (c *Client) encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, c.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return buf, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build bridge request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/msgpack")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, path)
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("bridge returned HTTP %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge response: %w", err)
	}
	return data, nil
}
