package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/amanmcp-lab/codeindexer/internal/embed"
)

// Backend performs the actual query/index/watch/clean work against a
// collection's on-disk state (HNSW graph, FTS index, temporal metadata,
// and file watcher). Daemon wires a Backend into the RPC surface and owns
// the memoization, TTL eviction, and process lifecycle around it.
type Backend interface {
	Query(ctx context.Context, params QueryParams) (QueryResponse, error)
	QueryFTS(ctx context.Context, params QueryParams) (QueryResponse, error)
	QueryHybrid(ctx context.Context, params QueryParams) (QueryResponse, error)

	Index(ctx context.Context, params IndexParams) (IndexResult, error)
	Clean(ctx context.Context) error
	CleanData(ctx context.Context, params CleanDataParams) error

	WatchStart(ctx context.Context, params WatchStartParams) error
	WatchStop(ctx context.Context) error
	WatchStatus(ctx context.Context) (WatchStatusResult, error)

	// IndexStale reports whether the HNSW graph has pending writes not yet
	// folded in (see the hnswindex staleness marker).
	IndexStale() bool
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder attaches an embedder used only for status reporting; query
// embedding itself happens inside the Backend.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) { d.embedder = e }
}

// WithBackend attaches the collection backend. A Daemon with no backend
// responds to ping/status but rejects query/index/watch/clean requests.
func WithBackend(b Backend) Option {
	return func(d *Daemon) { d.backend = b }
}

// Daemon owns a Unix-socket RPC server, a query-result cache, and a PID
// file, and dispatches RPC calls to a Backend.
type Daemon struct {
	cfg      Config
	embedder embed.Embedder
	backend  Backend
	cache    *Cache
	server   *Server
	pidFile  *PIDFile

	mu      sync.Mutex
	started time.Time
}

// NewDaemon constructs a Daemon from cfg, applying any options.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		pidFile: NewPIDFile(cfg.PIDPath),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.cache = NewCache(nil)
	d.cache.SetMemoPolicy(DefaultMemoTTL, cfg.CacheSize)
	d.cache.SetIdlePolicy(time.Duration(cfg.TTLMinutes)*time.Minute, cfg.AutoShutdownOnIdle, d.selfTerminate)

	srv, err := NewServer(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	d.server = srv
	srv.SetHandler(d)

	return d, nil
}

// Start brings up the daemon: it clears stale lock state left by a
// previous crashed run, writes the PID file, starts the idle monitor, and
// blocks serving RPCs until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.pidFile.IsRunning() {
		_ = d.pidFile.Remove()
	}

	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.mu.Lock()
	d.started = time.Now()
	d.mu.Unlock()

	go d.cache.RunIdleMonitor(ctx)

	defer func() {
		d.cache.Stop()
		_ = d.pidFile.Remove()
	}()

	return d.server.ListenAndServe(ctx)
}

// selfTerminate is invoked by the cache's idle monitor when
// AutoShutdownOnIdle is set and the cache has been idle past its TTL. It
// signals this process directly, the same mechanism the shutdown RPC uses,
// rather than calling any library-level process-exit function.
func (d *Daemon) selfTerminate() {
	slog.Info("daemon idle past ttl, shutting down")
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}

// HandleQuery implements RequestHandler.
func (d *Daemon) HandleQuery(ctx context.Context, params QueryParams) (QueryResponse, error) {
	return d.handleQueryLike(ctx, "query", params, d.backend.Query)
}

// HandleQueryFTS implements RequestHandler.
func (d *Daemon) HandleQueryFTS(ctx context.Context, params QueryParams) (QueryResponse, error) {
	return d.handleQueryLike(ctx, "query_fts", params, d.backend.QueryFTS)
}

// HandleQueryHybrid implements RequestHandler.
func (d *Daemon) HandleQueryHybrid(ctx context.Context, params QueryParams) (QueryResponse, error) {
	return d.handleQueryLike(ctx, "query_hybrid", params, d.backend.QueryHybrid)
}

func (d *Daemon) handleQueryLike(ctx context.Context, mode string, params QueryParams, fn func(context.Context, QueryParams) (QueryResponse, error)) (QueryResponse, error) {
	if d.backend == nil {
		return QueryResponse{}, fmt.Errorf("no collection backend configured")
	}

	key := MemoKey(mode, params.Query, params.Limit, params)
	if cached, ok := d.cache.MemoGet(key); ok {
		resp := cached.(QueryResponse)
		resp.Timing.CacheHit = true
		return resp, nil
	}

	resp, err := fn(ctx, params)
	if err != nil {
		return QueryResponse{}, err
	}
	d.cache.MemoPut(key, resp)
	return resp, nil
}

// HandleIndex implements RequestHandler.
func (d *Daemon) HandleIndex(ctx context.Context, params IndexParams) (IndexResult, error) {
	if d.backend == nil {
		return IndexResult{}, fmt.Errorf("no collection backend configured")
	}
	d.cache.BeginWrite()
	defer d.cache.EndWrite()

	result, err := d.backend.Index(ctx, params)
	d.cache.Invalidate()
	return result, err
}

// HandleClean implements RequestHandler.
func (d *Daemon) HandleClean(ctx context.Context) error {
	if d.backend == nil {
		return fmt.Errorf("no collection backend configured")
	}
	d.cache.BeginWrite()
	defer d.cache.EndWrite()

	err := d.backend.Clean(ctx)
	d.cache.Invalidate()
	return err
}

// HandleCleanData implements RequestHandler.
func (d *Daemon) HandleCleanData(ctx context.Context, params CleanDataParams) error {
	if d.backend == nil {
		return fmt.Errorf("no collection backend configured")
	}
	d.cache.BeginWrite()
	defer d.cache.EndWrite()

	err := d.backend.CleanData(ctx, params)
	d.cache.Invalidate()
	return err
}

// HandleWatchStart implements RequestHandler.
func (d *Daemon) HandleWatchStart(ctx context.Context, params WatchStartParams) error {
	if d.backend == nil {
		return fmt.Errorf("no collection backend configured")
	}
	return d.backend.WatchStart(ctx, params)
}

// HandleWatchStop implements RequestHandler.
func (d *Daemon) HandleWatchStop(ctx context.Context) error {
	if d.backend == nil {
		return nil
	}
	return d.backend.WatchStop(ctx)
}

// HandleWatchStatus implements RequestHandler.
func (d *Daemon) HandleWatchStatus(ctx context.Context) (WatchStatusResult, error) {
	if d.backend == nil {
		return WatchStatusResult{Running: false}, nil
	}
	return d.backend.WatchStatus(ctx)
}

// HandleClearCache implements RequestHandler.
func (d *Daemon) HandleClearCache(ctx context.Context) error {
	d.cache.Invalidate()
	return nil
}

// GetStatus implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(started).Round(time.Second).String(),
		EmbedderType:   "unavailable",
		EmbedderStatus: "unavailable",
		TTLMinutes:     d.cfg.TTLMinutes,
	}

	if d.embedder != nil {
		info := embed.GetInfo(d.embedder)
		status.EmbedderType = info.Provider
		status.EmbedderStatus = "ready"
	}

	stats := d.cache.Stats()
	status.CacheSize = stats.Size
	status.AccessCount = stats.AccessCount
	if !stats.LastAccessed.IsZero() {
		status.LastAccessed = stats.LastAccessed.Format(time.RFC3339)
	}

	if d.backend != nil {
		status.IndexStale = d.backend.IndexStale()
	}

	return status
}

// Close stops the underlying RPC server without running the client-facing
// graceful-shutdown RPC sequence. Used by the owning process's own signal
// handler, which has already decided to exit.
func (d *Daemon) Close() error {
	d.cache.Stop()
	return d.server.Close()
}
