// Package api is a small client for the indexd admin API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
	"Distributed-index/internal/ingest"
	"Distributed-index/internal/node"
	"Distributed-index/internal/shardwriter"
)

// ClientConfig holds configuration for the client
type ClientConfig struct {
	Addresses     []string      // node API addresses, host:port
	Timeout       time.Duration // per request
	RetryAttempts int           // extra attempts against the next address
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Addresses:     []string{"localhost:8080"},
		Timeout:       10 * time.Second,
		RetryAttempts: 2,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Client talks to one or more nodes, moving on to the next address when a
// request fails at the transport level. It is not safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	next       int
}

func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if len(c.config.Addresses) == 0 {
		return errors.Errorf("no node addresses configured")
	}
	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		addr := c.config.Addresses[c.next%len(c.config.Addresses)]
		req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.next++
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return decodeResponse(resp, out)
	}
	return errors.Wrap(lastErr, "all nodes failed")
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		var body node.ErrorResponse
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			se.Code, se.Message = body.Code, body.Error
		}
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decoding response")
}

func (c *Client) Health(ctx context.Context) (*node.HealthResponse, error) {
	var out node.HealthResponse
	return &out, c.do(ctx, "GET", "/health", nil, &out)
}

// Route asks which endpoint serves key.
func (c *Client) Route(ctx context.Context, key string) (*node.RouteResponse, error) {
	var out node.RouteResponse
	return &out, c.do(ctx, "GET", "/route?key="+url.QueryEscape(key), nil, &out)
}

// Locate computes the shard of rec. max <= 0 uses the node's partition
// count.
func (c *Client) Locate(ctx context.Context, rec event.Record, max int) (*node.LocateResponse, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	path := "/locate"
	if max > 0 {
		path += "?max=" + strconv.Itoa(max)
	}
	var out node.LocateResponse
	return &out, c.do(ctx, "POST", path, body, &out)
}

func (c *Client) Endpoints(ctx context.Context) ([]node.EndpointStatus, error) {
	var out []node.EndpointStatus
	return out, c.do(ctx, "GET", "/cluster/endpoints", nil, &out)
}

// MarkDown excludes an endpoint from routing on the contacted node.
func (c *Client) MarkDown(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/cluster/endpoints/"+url.PathEscape(id)+"/down", nil, nil)
}

func (c *Client) MarkUp(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/cluster/endpoints/"+url.PathEscape(id)+"/up", nil, nil)
}

func (c *Client) IngestStats(ctx context.Context, partition int) (*ingest.Stats, error) {
	var out ingest.Stats
	return &out, c.do(ctx, "GET", "/ingest/"+strconv.Itoa(partition)+"/stats", nil, &out)
}

// Flush commits a partition's partial batch.
func (c *Client) Flush(ctx context.Context, partition int) (*ingest.Stats, error) {
	var out ingest.Stats
	return &out, c.do(ctx, "POST", "/ingest/"+strconv.Itoa(partition)+"/flush", nil, &out)
}

// Shard returns the recorded descriptor of shard id. A shard that was never
// promoted is a *StatusError with StatusCode 404.
func (c *Client) Shard(ctx context.Context, id int) (*shardwriter.Shard, error) {
	var out shardwriter.Shard
	return &out, c.do(ctx, "GET", "/shards/"+strconv.Itoa(id), nil, &out)
}
