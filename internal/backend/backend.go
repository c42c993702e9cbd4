// Package backend composes the vector store, HNSW and FTS index managers,
// git-aware chunk resolver, temporal metadata store, and search executor
// into the daemon.Backend interface. It is the one place that wires every
// subsystem together into something a daemon process or a direct CLI
// invocation can drive.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/amanmcp-lab/codeindexer/internal/config"
	"github.com/amanmcp-lab/codeindexer/internal/daemon"
	"github.com/amanmcp-lab/codeindexer/internal/embed"
	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
	"github.com/amanmcp-lab/codeindexer/internal/ftsindex"
	"github.com/amanmcp-lab/codeindexer/internal/gitresolve"
	"github.com/amanmcp-lab/codeindexer/internal/hnswindex"
	"github.com/amanmcp-lab/codeindexer/internal/search"
	"github.com/amanmcp-lab/codeindexer/internal/store"
	"github.com/amanmcp-lab/codeindexer/internal/temporal"
)

// chunkRecord is one line of a pre-chunked JSONL index input file. Semantic
// chunking itself is an external collaborator; this is the contract the
// index command reads.
type chunkRecord struct {
	Path       string `json:"path"`
	LineStart  int    `json:"line_start"`
	LineEnd    int    `json:"line_end"`
	Language   string `json:"language"`
	Content    string `json:"content"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// Backend implements daemon.Backend for a single collection rooted at a
// project directory.
type Backend struct {
	Collection string
	ProjectDir string

	Store    *store.Store
	HNSW     *hnswindex.Manager
	FTS      *ftsindex.Manager
	Resolver *gitresolve.Resolver
	Executor *search.Executor
	Embedder embed.Embedder
	Config   config.Config
	Log      *slog.Logger

	temporalOnce sync.Once
	temporalErr  error
	temporalDB   *temporal.Store

	watchMu  sync.Mutex
	watching bool
	watched  []string
	events   int64
	cancel   context.CancelFunc
}

// New builds a Backend rooted at projectDir, wiring a store under
// cfg.Storage.RootDir and the caller-supplied embedder emb.
func New(ctx context.Context, projectDir, collection string, cfg config.Config, emb embed.Embedder) (*Backend, error) {
	st := store.New(cfg.Storage.RootDir)
	hnswMgr := hnswindex.New(cfg.Storage.RootDir, st)
	ftsMgr := ftsindex.New(cfg.Storage.RootDir)
	resolver := gitresolve.New(projectDir)

	b := &Backend{
		Collection: collection,
		ProjectDir: projectDir,
		Store:      st,
		HNSW:       hnswMgr,
		FTS:        ftsMgr,
		Resolver:   resolver,
		Embedder:   emb,
		Config:     cfg,
		Log:        slog.Default(),
	}
	b.Executor = &search.Executor{
		Collection: collection,
		Store:      st,
		HNSW:       hnswMgr,
		FTS:        ftsMgr,
		Resolver:   resolver,
		Embedder:   emb,
		Config:     cfg.Search,
	}
	return b, nil
}

func queryParamsToSearch(p daemon.QueryParams) search.Params {
	var filter store.Filter
	if len(p.Filters) > 0 {
		filter = make(store.Filter, len(p.Filters))
		for k, v := range p.Filters {
			filter[k] = v
		}
	}
	return search.Params{
		Query:            p.Query,
		Limit:            p.Limit,
		ScoreThreshold:   p.ScoreThreshold,
		FilterConditions: filter,
	}
}

func resultsToResponse(results []search.Result, t search.Timing) daemon.QueryResponse {
	out := make([]daemon.QueryResult, 0, len(results))
	for _, r := range results {
		qr := daemon.QueryResult{
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Score:     r.Score,
			Content:   r.Content,
			Snippet:   r.Snippet,
			Language:  r.Language,
			Source:    r.Source,
		}
		if r.Staleness.Status != "" {
			qr.Stale = &daemon.StalenessInfo{
				IsStale:      r.Staleness.IsStale,
				Indicator:    r.Staleness.Status,
				Reason:       r.Staleness.Reason,
				HashMismatch: r.Staleness.HashMismatch,
			}
		}
		out = append(out, qr)
	}
	return daemon.QueryResponse{
		Results: out,
		Timing: daemon.Timing{
			HNSWSearchMS:   t.HNSWSearchMS,
			VectorSearchMS: t.VectorSearchMS,
			TotalMS:        t.TotalMS,
			CacheHit:       t.CacheHit,
		},
	}
}

// Query implements daemon.Backend.
func (b *Backend) Query(ctx context.Context, params daemon.QueryParams) (daemon.QueryResponse, error) {
	results, timing, err := b.Executor.Search(ctx, queryParamsToSearch(params))
	if err != nil {
		return daemon.QueryResponse{}, err
	}
	return resultsToResponse(results, timing), nil
}

// QueryFTS implements daemon.Backend.
func (b *Backend) QueryFTS(ctx context.Context, params daemon.QueryParams) (daemon.QueryResponse, error) {
	results, timing, err := b.Executor.SearchFTS(ctx, search.FTSParams{
		Query: params.Query,
		Limit: params.Limit,
		Options: ftsindex.Options{
			CaseSensitive: params.CaseSensitive,
			EditDistance:  params.EditDistance,
			Mode:          ftsModeFor(params),
		},
	})
	if err != nil {
		return daemon.QueryResponse{}, err
	}
	return resultsToResponse(results, timing), nil
}

func ftsModeFor(p daemon.QueryParams) string {
	if p.Regex {
		return "regex"
	}
	return ""
}

// QueryHybrid implements daemon.Backend.
func (b *Backend) QueryHybrid(ctx context.Context, params daemon.QueryParams) (daemon.QueryResponse, error) {
	results, timing, err := b.Executor.SearchHybrid(ctx, queryParamsToSearch(params), ftsindex.Options{
		CaseSensitive: params.CaseSensitive,
		EditDistance:  params.EditDistance,
		Mode:          ftsModeFor(params),
	})
	if err != nil {
		return daemon.QueryResponse{}, err
	}
	return resultsToResponse(results, timing), nil
}

// Index implements daemon.Backend: it reads a pre-chunked JSONL file,
// embeds each chunk's content, upserts the resulting records, and rebuilds
// the HNSW graph unless the caller asked to defer it (watcher path).
func (b *Backend) Index(ctx context.Context, params daemon.IndexParams) (daemon.IndexResult, error) {
	start := time.Now()
	if err := params.Validate(); err != nil {
		return daemon.IndexResult{}, ierrors.ValidationError("validating index params", err)
	}

	f, err := os.Open(params.InputPath)
	if err != nil {
		return daemon.IndexResult{}, ierrors.IOError(fmt.Sprintf("opening index input %q", params.InputPath), err)
	}
	defer f.Close()

	var chunks []chunkRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c chunkRecord
		if err := json.Unmarshal(line, &c); err != nil {
			return daemon.IndexResult{}, ierrors.ValidationError("parsing index input line", err)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return daemon.IndexResult{}, ierrors.IOError("reading index input", err)
	}
	if len(chunks) == 0 {
		return daemon.IndexResult{DurationMS: msSince(start)}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := b.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return daemon.IndexResult{}, err
	}

	if !b.Store.CollectionExists(b.Collection) {
		if _, err := b.Store.CreateCollection(b.Collection, b.Embedder.Dimensions()); err != nil {
			return daemon.IndexResult{}, err
		}
	}

	if err := b.Store.BeginIndexing(b.Collection); err != nil {
		return daemon.IndexResult{}, err
	}

	records := make([]store.Record, len(chunks))
	ftsDocs := make([]ftsindex.Document, len(chunks))
	for i, c := range chunks {
		id := fmt.Sprintf("%s:%d:%d", c.Path, c.LineStart, c.ChunkIndexFallback())
		payload := map[string]any{
			store.PayloadPath:      c.Path,
			store.PayloadLineStart: c.LineStart,
			store.PayloadLineEnd:   c.LineEnd,
			store.PayloadLanguage:  c.Language,
			store.PayloadChunkText: c.Content,
		}
		if c.CommitHash != "" {
			payload[store.PayloadCommitHash] = c.CommitHash
		}
		records[i] = store.Record{ID: id, Vector: vectors[i], Payload: payload}
		ftsDocs[i] = ftsindex.Document{ID: id, Path: c.Path, Language: c.Language, Content: c.Content}
	}

	// The vector upsert and the FTS write land in independent index
	// structures, so they run concurrently instead of back to back.
	var result store.UpsertResult
	var upsertErr, ftsErr error
	var g errgroup.Group
	g.Go(func() error {
		result, upsertErr = b.Store.UpsertPoints(b.Collection, records, nil)
		return upsertErr
	})
	g.Go(func() error {
		ftsErr = b.FTS.Index(ctx, b.Collection, ftsDocs)
		return nil // FTS failure degrades lexical search, it doesn't fail the index
	})
	_ = g.Wait()

	if upsertErr != nil {
		_, _ = b.Store.EndIndexing(b.Collection, params.SkipHNSWRebuild, nil)
		return daemon.IndexResult{}, upsertErr
	}
	if ftsErr != nil {
		b.Log.Warn("fts indexing failed, lexical search will be stale", "error", ftsErr)
	}

	shouldRebuild, err := b.Store.EndIndexing(b.Collection, params.SkipHNSWRebuild, nil)
	if err != nil {
		return daemon.IndexResult{}, err
	}
	if shouldRebuild {
		if _, err := b.HNSW.Build(ctx, b.Collection); err != nil {
			return daemon.IndexResult{}, err
		}
	} else if err := b.HNSW.MarkStale(b.Collection); err != nil {
		return daemon.IndexResult{}, err
	}

	return daemon.IndexResult{
		RecordsIndexed: result.Count,
		RecordsFailed:  len(result.Failed),
		DurationMS:     msSince(start),
	}, nil
}

// Clean implements daemon.Backend: it marks the collection's HNSW graph
// stale without touching on-disk collection data, so the next query
// rebuilds the graph from the stored vectors.
func (b *Backend) Clean(ctx context.Context) error {
	return b.HNSW.MarkStale(b.Collection)
}

// CleanData implements daemon.Backend: it removes a collection's on-disk
// state entirely (records, HNSW graph, FTS index).
func (b *Backend) CleanData(ctx context.Context, params daemon.CleanDataParams) error {
	if err := params.Validate(); err != nil {
		return ierrors.ValidationError("validating clean_data params", err)
	}
	return b.Store.RemoveCollection(params.Collection)
}

// IndexStale implements daemon.Backend.
func (b *Backend) IndexStale() bool {
	return b.HNSW.IsStale(b.Collection)
}

// temporalStore lazily opens the temporal metadata store for this
// collection, only when the collection is actually the well-known temporal
// collection.
func (b *Backend) temporalStore() (*temporal.Store, error) {
	b.temporalOnce.Do(func() {
		dir := filepath.Join(b.Config.Storage.RootDir, b.Collection)
		b.temporalDB, b.temporalErr = temporal.Open(dir, b.Log)
	})
	return b.temporalDB, b.temporalErr
}

// ReconcileTemporal removes temporal metadata rows with no matching record
// in the store, returning the number of entries pruned. It is the backing
// operation for `codeindexer temporal reconcile`.
func (b *Backend) ReconcileTemporal(ctx context.Context) (int, error) {
	if !temporal.IsTemporalCollection(b.Collection) {
		return 0, ierrors.ValidationError("reconciling temporal metadata", fmt.Errorf("%q is not the temporal collection", b.Collection))
	}
	db, err := b.temporalStore()
	if err != nil {
		return 0, err
	}

	valid := make(map[string]struct{})
	offset := ""
	for {
		recs, next, err := b.Store.ScrollPoints(b.Collection, 500, offset, false, false)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			valid[temporal.GenerateHashPrefix(r.ID)] = struct{}{}
		}
		if next == "" || next == offset {
			break
		}
		offset = next
	}
	return db.CleanupStaleMetadata(ctx, valid)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

// ChunkIndexFallback exists so chunkRecord's id construction has a stable
// tiebreaker when two chunks share a path and line_start (shouldn't happen
// from a well-formed chunker, but the id must still be unique).
func (c chunkRecord) ChunkIndexFallback() int {
	return c.LineEnd
}

// --- File watcher -----------------------------------------------------

// WatchStart implements daemon.Backend: it watches the given paths with
// fsnotify and, on any write, create, remove or rename event, marks the
// HNSW graph stale.
// Re-embedding and re-upserting the changed file is the out-of-scope
// chunker's job; this wrapper only does the part the core owns (staleness).
func (b *Backend) WatchStart(ctx context.Context, params daemon.WatchStartParams) error {
	if err := params.Validate(); err != nil {
		return ierrors.ValidationError("validating watch_start params", err)
	}

	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	if b.watching {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return ierrors.New(ierrors.ErrCodeInternal, "starting file watcher", err)
	}
	for _, p := range params.Paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return ierrors.IOError(fmt.Sprintf("watching path %q", p), err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.watching = true
	b.watched = append([]string(nil), params.Paths...)
	b.events = 0

	go b.runWatcher(watchCtx, w)
	return nil
}

func (b *Backend) runWatcher(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			b.watchMu.Lock()
			b.events++
			b.watchMu.Unlock()
			if err := b.HNSW.MarkStale(b.Collection); err != nil {
				b.Log.Warn("failed to mark hnsw stale from watch event", "error", err, "path", event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.Log.Warn("file watcher error", "error", err)
		}
	}
}

// WatchStop implements daemon.Backend.
func (b *Backend) WatchStop(ctx context.Context) error {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	if !b.watching {
		return nil
	}
	b.cancel()
	b.watching = false
	b.watched = nil
	return nil
}

// WatchStatus implements daemon.Backend.
func (b *Backend) WatchStatus(ctx context.Context) (daemon.WatchStatusResult, error) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	return daemon.WatchStatusResult{
		Running:         b.watching,
		WatchedPaths:    append([]string(nil), b.watched...),
		EventsProcessed: b.events,
	}, nil
}
