// Package search implements the three query modes (semantic, full-text,
// hybrid) over a collection, composing the vector store, HNSW index, FTS
// index, git-aware chunk resolver, and an embedding provider.
package search

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/amanmcp-lab/codeindexer/internal/config"
	"github.com/amanmcp-lab/codeindexer/internal/embed"
	"github.com/amanmcp-lab/codeindexer/internal/ftsindex"
	"github.com/amanmcp-lab/codeindexer/internal/gitresolve"
	"github.com/amanmcp-lab/codeindexer/internal/hnswindex"
	"github.com/amanmcp-lab/codeindexer/internal/store"
)

// Result is one ranked hit from any of the three query modes.
type Result struct {
	Path      string
	StartLine int
	EndLine   int
	Score     float64
	Content   string
	Snippet   string
	Language  string

	// Source identifies which leg of a hybrid search produced this
	// result: "semantic", "fts", or "both". Always "semantic" or "fts"
	// for the single-mode queries.
	Source string

	Staleness gitresolve.Staleness
}

// Timing carries the telemetry required on every response.
type Timing struct {
	HNSWSearchMS   float64
	VectorSearchMS float64
	TotalMS        float64
	CacheHit       bool
}

// Params shapes a semantic or hybrid query.
type Params struct {
	Query           string
	Limit           int
	ScoreThreshold  float64 // 0 means no threshold
	FilterConditions store.Filter
}

// FTSParams shapes a full-text query.
type FTSParams struct {
	Query   string
	Limit   int
	Options ftsindex.Options
}

// PostFilterFunc is the server-side access-filtering hook: it may only
// remove results, never add or reorder beyond removal, and must be
// idempotent.
type PostFilterFunc func(ctx context.Context, results []Result) []Result

// Executor runs queries against one collection.
type Executor struct {
	Collection string

	Store    *store.Store
	HNSW     *hnswindex.Manager
	FTS      *ftsindex.Manager
	Resolver *gitresolve.Resolver
	Embedder embed.Embedder
	Config   config.SearchConfig

	PostFilter PostFilterFunc
}

// Search runs the semantic search pipeline: embed, ensure_fresh, HNSW
// over-fetch, resolve, filter, resolve chunk content, score, threshold,
// truncate to limit.
func (e *Executor) Search(ctx context.Context, p Params) ([]Result, Timing, error) {
	start := time.Now()
	var timing Timing

	queryVec, err := e.Embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, timing, err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = e.Config.DefaultLimit
	}
	if limit <= 0 {
		limit = 10
	}
	overFetch := e.Config.OverFetchFactor
	if overFetch < 1 {
		overFetch = 1
	}
	kPrime := int(math.Ceil(float64(limit) * overFetch))

	hnswStart := time.Now()
	handle, err := e.HNSW.EnsureFresh(ctx, e.Collection)
	if err != nil {
		return nil, timing, err
	}
	var candidates []hnswindex.SearchResult
	if handle != nil {
		candidates = handle.Search(queryVec, kPrime)
	}
	timing.HNSWSearchMS = msSince(hnswStart)

	vecStart := time.Now()
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		rec, err := e.Store.GetPoint(e.Collection, c.ID)
		if err != nil || rec == nil {
			continue
		}
		if p.FilterConditions != nil && !p.FilterConditions.Matches(rec.Payload) {
			continue
		}

		resolved, err := e.Resolver.Resolve(ctx, *rec)
		if err != nil {
			continue
		}

		score := cosineSimilarity(queryVec, rec.Vector)
		if p.ScoreThreshold > 0 && score < p.ScoreThreshold {
			continue
		}

		results = append(results, Result{
			Path:      stringPayload(rec.Payload, store.PayloadPath),
			StartLine: intPayload(rec.Payload, store.PayloadLineStart),
			EndLine:   intPayload(rec.Payload, store.PayloadLineEnd),
			Score:     score,
			Content:   resolved.Content,
			Language:  stringPayload(rec.Payload, store.PayloadLanguage),
			Source:    "semantic",
			Staleness: resolved.Staleness,
		})
	}
	timing.VectorSearchMS = msSince(vecStart)

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	if e.PostFilter != nil {
		results = e.PostFilter(ctx, results)
	}

	timing.TotalMS = msSince(start)
	return results, timing, nil
}

// SearchFTS runs the lexical search pipeline. It never errors on "FTS
// unavailable" — callers should treat a nil Searcher (no index built yet)
// as an empty result set, per spec.md's explicit graceful-degradation rule.
func (e *Executor) SearchFTS(ctx context.Context, p FTSParams) ([]Result, Timing, error) {
	start := time.Now()
	var timing Timing

	searcher, err := e.FTS.Open(e.Collection)
	if err != nil {
		return nil, timing, err
	}
	if searcher == nil {
		timing.TotalMS = msSince(start)
		return nil, timing, nil
	}

	opts := p.Options
	if opts.Limit <= 0 {
		opts.Limit = p.Limit
	}
	hits, err := ftsindex.Search(ctx, searcher, p.Query, opts)
	if err != nil {
		return nil, timing, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Path:    h.Path,
			Score:   h.Score,
			Snippet: h.Snippet,
			Source:  "fts",
		})
	}
	if e.PostFilter != nil {
		results = e.PostFilter(ctx, results)
	}
	timing.TotalMS = msSince(start)
	return results, timing, nil
}

// SearchHybrid runs semantic and FTS concurrently and fuses results by
// path using the fixed 0.6/0.4 default weighting (configurable, never
// query-tunable).
func (e *Executor) SearchHybrid(ctx context.Context, p Params, ftsOpts ftsindex.Options) ([]Result, Timing, error) {
	start := time.Now()

	semanticWeight, ftsWeight := e.Config.SemanticWeight, e.Config.FTSWeight
	if semanticWeight == 0 && ftsWeight == 0 {
		semanticWeight, ftsWeight = 0.6, 0.4
	}

	var (
		semanticResults []Result
		ftsResults      []Result
		semanticTiming  Timing
		semanticErr     error
		ftsErr          error
		wg              sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		semanticResults, semanticTiming, semanticErr = e.Search(ctx, p)
	}()
	go func() {
		defer wg.Done()
		ftsResults, _, ftsErr = e.SearchFTS(ctx, FTSParams{Query: p.Query, Limit: p.Limit, Options: ftsOpts})
	}()
	wg.Wait()

	if semanticErr != nil {
		return nil, Timing{}, semanticErr
	}
	if ftsErr != nil {
		return nil, Timing{}, ftsErr
	}

	normalize(semanticResults)
	normalize(ftsResults)

	byPath := make(map[string]*Result)
	order := make([]string, 0, len(semanticResults)+len(ftsResults))
	for _, r := range semanticResults {
		r := r
		r.Score = r.Score * semanticWeight
		r.Source = "semantic"
		byPath[r.Path] = &r
		order = append(order, r.Path)
	}
	for _, r := range ftsResults {
		if existing, ok := byPath[r.Path]; ok {
			existing.Score += r.Score * ftsWeight
			existing.Source = "both"
			if existing.Snippet == "" {
				existing.Snippet = r.Snippet
			}
			continue
		}
		r := r
		r.Score = r.Score * ftsWeight
		r.Source = "fts"
		byPath[r.Path] = &r
		order = append(order, r.Path)
	}

	seen := make(map[string]bool, len(order))
	merged := make([]Result, 0, len(byPath))
	for _, path := range order {
		if seen[path] {
			continue
		}
		seen[path] = true
		merged = append(merged, *byPath[path])
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	limit := p.Limit
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	if e.PostFilter != nil {
		merged = e.PostFilter(ctx, merged)
	}

	return merged, Timing{
		HNSWSearchMS:   semanticTiming.HNSWSearchMS,
		VectorSearchMS: semanticTiming.VectorSearchMS,
		TotalMS:        msSince(start),
	}, nil
}

func normalize(results []Result) {
	if len(results) == 0 {
		return
	}
	max := results[0].Score
	min := results[0].Score
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
		if r.Score < min {
			min = r.Score
		}
	}
	span := max - min
	if span == 0 {
		for i := range results {
			results[i].Score = 1
		}
		return
	}
	for i := range results {
		results[i].Score = (results[i].Score - min) / span
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

func stringPayload(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func intPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
