package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp-lab/codeindexer/internal/embed"
)

// mockEmbedder is a minimal embed.Embedder for daemon tests.
type mockEmbedder struct {
	dims int
}

func (m *mockEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, m.dims), nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = make([]float32, m.dims)
	}
	return result, nil
}

func (m *mockEmbedder) Dimensions() int    { return m.dims }
func (m *mockEmbedder) ModelName() string  { return "mock-embedder" }
func (m *mockEmbedder) Available(_ context.Context) bool { return true }
func (m *mockEmbedder) Close() error       { return nil }

func newMockEmbedder() *mockEmbedder { return &mockEmbedder{dims: 768} }

var _ embed.Embedder = (*mockEmbedder)(nil)

// mockBackend is a scriptable Backend for daemon tests.
type mockBackend struct {
	queryCalls atomic.Int64
	queryResp  QueryResponse
	queryErr   error

	indexCalls atomic.Int64
	indexResp  IndexResult
	indexErr   error

	cleanErr     error
	cleanDataErr error

	watchRunning atomic.Bool
	watchErr     error

	stale atomic.Bool
}

func (b *mockBackend) Query(_ context.Context, _ QueryParams) (QueryResponse, error) {
	b.queryCalls.Add(1)
	return b.queryResp, b.queryErr
}

func (b *mockBackend) QueryFTS(ctx context.Context, p QueryParams) (QueryResponse, error) {
	return b.Query(ctx, p)
}

func (b *mockBackend) QueryHybrid(ctx context.Context, p QueryParams) (QueryResponse, error) {
	return b.Query(ctx, p)
}

func (b *mockBackend) Index(_ context.Context, _ IndexParams) (IndexResult, error) {
	b.indexCalls.Add(1)
	return b.indexResp, b.indexErr
}

func (b *mockBackend) Clean(_ context.Context) error { return b.cleanErr }

func (b *mockBackend) CleanData(_ context.Context, _ CleanDataParams) error { return b.cleanDataErr }

func (b *mockBackend) WatchStart(_ context.Context, _ WatchStartParams) error {
	if b.watchErr != nil {
		return b.watchErr
	}
	b.watchRunning.Store(true)
	return nil
}

func (b *mockBackend) WatchStop(_ context.Context) error {
	b.watchRunning.Store(false)
	return nil
}

func (b *mockBackend) WatchStatus(_ context.Context) (WatchStatusResult, error) {
	return WatchStatusResult{Running: b.watchRunning.Load()}, nil
}

func (b *mockBackend) IndexStale() bool { return b.stale.Load() }

var _ Backend = (*mockBackend)(nil)

// daemonTestConfig creates a test configuration with unique paths.
func daemonTestConfig(t *testing.T) Config {
	t.Helper()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	socketPath := filepath.Join("/tmp", fmt.Sprintf("codeindexer-daemon-test-%s.sock", suffix))
	pidPath := filepath.Join("/tmp", fmt.Sprintf("codeindexer-daemon-test-%s.pid", suffix))

	t.Cleanup(func() {
		os.Remove(socketPath)
		os.Remove(pidPath)
	})

	return Config{
		SocketPath:          socketPath,
		PIDPath:             pidPath,
		Timeout:             5 * time.Second,
		ShutdownGracePeriod: 2 * time.Second,
		CacheSize:           100,
		TTLMinutes:          10,
	}
}

func TestNewDaemon(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := Config{SocketPath: "", PIDPath: "/tmp/test.pid", Timeout: 5 * time.Second}

	_, err := NewDaemon(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()), WithBackend(&mockBackend{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)

	pf := NewPIDFile(cfg.PIDPath)
	assert.True(t, pf.IsRunning(), "daemon should be running")

	_, err = os.Stat(cfg.SocketPath)
	require.NoError(t, err, "socket should exist")

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_ClientCanConnect(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()), WithBackend(&mockBackend{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	client := NewClient(cfg)
	assert.True(t, client.IsRunning())
	require.NoError(t, client.Ping(ctx))
}

func TestDaemon_Status(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()), WithBackend(&mockBackend{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	client := NewClient(cfg)
	status, err := client.Status(ctx)
	require.NoError(t, err)

	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.NotEmpty(t, status.Uptime)
	assert.Equal(t, "unknown", status.EmbedderType)
}

func TestDaemon_StaleSocketCleaned(t *testing.T) {
	cfg := daemonTestConfig(t)

	err := os.WriteFile(cfg.SocketPath, []byte("stale"), 0644)
	require.NoError(t, err)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()), WithBackend(&mockBackend{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	client := NewClient(cfg)
	assert.True(t, client.IsRunning())
}

func TestDaemon_StalePIDCleaned(t *testing.T) {
	cfg := daemonTestConfig(t)

	err := os.WriteFile(cfg.PIDPath, []byte("4194304"), 0644)
	require.NoError(t, err)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()), WithBackend(&mockBackend{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	pf := NewPIDFile(cfg.PIDPath)
	assert.True(t, pf.IsRunning())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestDaemon_GetStatus_NoBackendNoEmbedder(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg)
	require.NoError(t, err)

	status := d.GetStatus()
	assert.True(t, status.Running)
	assert.Equal(t, "unavailable", status.EmbedderType)
	assert.Equal(t, "unavailable", status.EmbedderStatus)
	assert.False(t, status.IndexStale)
}

func TestDaemon_GetStatus_WithEmbedderAndBackend(t *testing.T) {
	cfg := daemonTestConfig(t)
	backend := &mockBackend{}
	backend.stale.Store(true)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()), WithBackend(backend))
	require.NoError(t, err)

	status := d.GetStatus()
	assert.Equal(t, "unknown", status.EmbedderType)
	assert.Equal(t, "ready", status.EmbedderStatus)
	assert.True(t, status.IndexStale)
}

func TestDaemon_HandleQuery_NoBackend(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg)
	require.NoError(t, err)

	_, err = d.HandleQuery(context.Background(), QueryParams{Query: "test", Limit: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no collection backend")
}

func TestDaemon_HandleQuery_CachesResult(t *testing.T) {
	cfg := daemonTestConfig(t)
	backend := &mockBackend{queryResp: QueryResponse{Results: []QueryResult{{Path: "a.go"}}}}

	d, err := NewDaemon(cfg, WithBackend(backend))
	require.NoError(t, err)

	ctx := context.Background()
	params := QueryParams{Query: "needle", Limit: 10}

	resp1, err := d.HandleQuery(ctx, params)
	require.NoError(t, err)
	assert.False(t, resp1.Timing.CacheHit)

	resp2, err := d.HandleQuery(ctx, params)
	require.NoError(t, err)
	assert.True(t, resp2.Timing.CacheHit)

	assert.Equal(t, int64(1), backend.queryCalls.Load(), "backend should be called once")
}

func TestDaemon_HandleIndex_InvalidatesCache(t *testing.T) {
	cfg := daemonTestConfig(t)
	backend := &mockBackend{queryResp: QueryResponse{Results: []QueryResult{{Path: "a.go"}}}}

	d, err := NewDaemon(cfg, WithBackend(backend))
	require.NoError(t, err)

	ctx := context.Background()
	params := QueryParams{Query: "needle", Limit: 10}

	_, err = d.HandleQuery(ctx, params)
	require.NoError(t, err)

	_, err = d.HandleIndex(ctx, IndexParams{InputPath: "/tmp/records.jsonl"})
	require.NoError(t, err)

	resp, err := d.HandleQuery(ctx, params)
	require.NoError(t, err)
	assert.False(t, resp.Timing.CacheHit, "index should have invalidated the memo")
	assert.Equal(t, int64(2), backend.queryCalls.Load())
}

func TestDaemon_HandleClearCache(t *testing.T) {
	cfg := daemonTestConfig(t)
	backend := &mockBackend{queryResp: QueryResponse{Results: []QueryResult{{Path: "a.go"}}}}

	d, err := NewDaemon(cfg, WithBackend(backend))
	require.NoError(t, err)

	ctx := context.Background()
	params := QueryParams{Query: "needle", Limit: 10}

	_, err = d.HandleQuery(ctx, params)
	require.NoError(t, err)

	require.NoError(t, d.HandleClearCache(ctx))

	resp, err := d.HandleQuery(ctx, params)
	require.NoError(t, err)
	assert.False(t, resp.Timing.CacheHit)
}

func TestDaemon_WatchLifecycle(t *testing.T) {
	cfg := daemonTestConfig(t)
	backend := &mockBackend{}

	d, err := NewDaemon(cfg, WithBackend(backend))
	require.NoError(t, err)

	ctx := context.Background()

	status, err := d.HandleWatchStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Running)

	require.NoError(t, d.HandleWatchStart(ctx, WatchStartParams{Paths: []string{"/repo"}}))

	status, err = d.HandleWatchStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)

	require.NoError(t, d.HandleWatchStop(ctx))

	status, err = d.HandleWatchStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Running)
}
