package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client connects to the daemon over its Unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
	}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, MethodPing, nil)
	return err
}

// Query performs a semantic search.
func (c *Client) Query(ctx context.Context, params QueryParams) (*QueryResponse, error) {
	return c.queryLike(ctx, MethodQuery, params)
}

// QueryFTS performs a full-text search.
func (c *Client) QueryFTS(ctx context.Context, params QueryParams) (*QueryResponse, error) {
	return c.queryLike(ctx, MethodQueryFTS, params)
}

// QueryHybrid performs a fused semantic + full-text search.
func (c *Client) QueryHybrid(ctx context.Context, params QueryParams) (*QueryResponse, error) {
	return c.queryLike(ctx, MethodQueryHybrid, params)
}

func (c *Client) queryLike(ctx context.Context, method string, params QueryParams) (*QueryResponse, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var result QueryResponse
	if err := decodeInto(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Index submits a pre-chunked record file to the daemon for ingestion.
func (c *Client) Index(ctx context.Context, params IndexParams) (*IndexResult, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, MethodIndex, params)
	if err != nil {
		return nil, err
	}
	var result IndexResult
	if err := decodeInto(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Clean marks the collection's HNSW graph stale and clears the daemon's
// query memo; on-disk collection data is kept.
func (c *Client) Clean(ctx context.Context) error {
	_, err := c.call(ctx, MethodClean, nil)
	return err
}

// CleanData drops a single named collection.
func (c *Client) CleanData(ctx context.Context, params CleanDataParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	_, err := c.call(ctx, MethodCleanData, params)
	return err
}

// WatchStart starts the file watcher over the given paths.
func (c *Client) WatchStart(ctx context.Context, params WatchStartParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	_, err := c.call(ctx, MethodWatchStart, params)
	return err
}

// WatchStop stops the file watcher.
func (c *Client) WatchStop(ctx context.Context) error {
	_, err := c.call(ctx, MethodWatchStop, nil)
	return err
}

// WatchStatus reports the current file watcher state.
func (c *Client) WatchStatus(ctx context.Context) (*WatchStatusResult, error) {
	resp, err := c.call(ctx, MethodWatchStatus, nil)
	if err != nil {
		return nil, err
	}
	var result WatchStatusResult
	if err := decodeInto(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearCache evicts the daemon's query-result memo and loaded handles.
func (c *Client) ClearCache(ctx context.Context) error {
	_, err := c.call(ctx, MethodClearCache, nil)
	return err
}

// Status retrieves daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	resp, err := c.call(ctx, MethodStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResult
	if err := decodeInto(resp.Result, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Shutdown requests a graceful daemon shutdown and returns once the
// daemon has acknowledged the request (the process itself terminates
// shortly after).
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, MethodShutdown, nil)
	return err
}

// call sends a request and returns the raw response, translating a
// JSON-RPC error into a Go error.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	conn, err := c.Connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
	}

	if err := c.send(conn, req); err != nil {
		return nil, err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s (code: %d)", method, resp.Error.Message, resp.Error.Code)
	}

	return resp, nil
}

func decodeInto(result any, target any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// send encodes and writes a request to the connection.
func (c *Client) send(conn net.Conn, req Request) error {
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// receive reads and decodes a response from the connection.
func (c *Client) receive(conn net.Conn) (*Response, error) {
	decoder := json.NewDecoder(conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	return &resp, nil
}

// nextID generates a unique request ID.
func (c *Client) nextID() string {
	id := c.requestID.Add(1)
	return fmt.Sprintf("req-%d", id)
}
