// Package hnswindex manages the per-collection HNSW approximate nearest
// neighbor graph: building it from a collection's records, loading it for
// search, and tracking whether it has fallen behind the record set.
package hnswindex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
	"github.com/amanmcp-lab/codeindexer/internal/store"
)

const (
	graphFile    = "hnsw_index.bin"
	mappingFile  = "id_mapping.json"
	staleMarker  = "hnsw.stale"
)

// BuildReport summarizes a completed build.
type BuildReport struct {
	VectorCount int
	Collection  string
}

// SearchResult is one match from an IndexHandle search: the record id the
// internal graph index maps to, and its distance from the query.
type SearchResult struct {
	ID       string
	Distance float32
}

// IndexHandle is an immutable, loaded graph. Multiple readers may hold and
// search a handle concurrently; a rebuild never mutates a handle already
// handed out, it installs a new one.
type IndexHandle struct {
	graph       *hnsw.Graph[uint64]
	keyToID     map[uint64]string
	vectorCount int
}

// Search returns up to k nearest neighbors of query by cosine distance.
func (h *IndexHandle) Search(query []float32, k int) []SearchResult {
	if h.graph.Len() == 0 {
		return nil
	}
	nodes := h.graph.Search(query, k)
	out := make([]SearchResult, 0, len(nodes))
	for _, n := range nodes {
		id, ok := h.keyToID[n.Key]
		if !ok {
			continue
		}
		out = append(out, SearchResult{ID: id, Distance: h.graph.Distance(query, n.Value)})
	}
	return out
}

// VectorCount reports how many vectors were present when this handle's
// graph was built.
func (h *IndexHandle) VectorCount() int { return h.vectorCount }

type idMapping struct {
	IDToKey     map[string]uint64 `json:"id_to_key"`
	NextKey     uint64            `json:"next_key"`
	VectorCount int               `json:"vector_count_at_last_build"`
}

// Manager builds, loads, and tracks staleness of HNSW graphs for
// collections backed by a store.Store.
type Manager struct {
	basePath string
	st       *store.Store

	mu          sync.RWMutex
	handles     map[string]*IndexHandle
	builderLock map[string]*sync.Mutex
}

// New returns a Manager that persists graphs under basePath/<collection>/
// and reads source vectors from st.
func New(basePath string, st *store.Store) *Manager {
	return &Manager{
		basePath:    basePath,
		st:          st,
		handles:     make(map[string]*IndexHandle),
		builderLock: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) collectionPath(collection string) string {
	return filepath.Join(m.basePath, collection)
}

func (m *Manager) lockFor(collection string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.builderLock[collection]
	if !ok {
		l = &sync.Mutex{}
		m.builderLock[collection] = l
	}
	return l
}

// Build exhaustively scans collection's records, inserts every vector into
// a fresh graph, persists it, and clears the stale marker. It acquires the
// collection's builder lock so concurrent build requests do not duplicate
// work; the second caller simply waits and reuses the first build's result.
func (m *Manager) Build(ctx context.Context, collection string) (BuildReport, error) {
	lock := m.lockFor(collection)
	if !lock.TryLock() {
		// Another build of this collection is running: wait for it and
		// reuse its graph unless the collection went stale again meanwhile.
		lock.Lock()
		if h := m.cached(collection); h != nil && !m.IsStale(collection) {
			lock.Unlock()
			return BuildReport{VectorCount: h.VectorCount(), Collection: collection}, nil
		}
	}
	defer lock.Unlock()

	records, err := m.st.ScanVectors(collection)
	if err != nil {
		return BuildReport{}, fmt.Errorf("hnswindex: scanning %s: %w", collection, err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	mapping := idMapping{IDToKey: make(map[string]uint64, len(records))}
	keyToID := make(map[uint64]string, len(records))

	var key uint64
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			continue
		}
		graph.Add(hnsw.MakeNode(key, rec.Vector))
		mapping.IDToKey[rec.ID] = key
		keyToID[key] = rec.ID
		key++
	}
	mapping.NextKey = key
	mapping.VectorCount = len(mapping.IDToKey)

	if err := m.persist(collection, graph, mapping); err != nil {
		return BuildReport{}, err
	}
	if err := m.clearStale(collection); err != nil {
		return BuildReport{}, err
	}

	handle := &IndexHandle{graph: graph, keyToID: keyToID, vectorCount: mapping.VectorCount}
	m.mu.Lock()
	m.handles[collection] = handle
	m.mu.Unlock()

	return BuildReport{VectorCount: mapping.VectorCount, Collection: collection}, nil
}

func (m *Manager) persist(collection string, graph *hnsw.Graph[uint64], mapping idMapping) error {
	dir := m.collectionPath(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ierrors.IOError("creating collection directory", err)
	}

	graphPath := filepath.Join(dir, graphFile)
	tmpPath := graphPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return ierrors.IOError("creating hnsw graph file", err)
	}
	if err := graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ierrors.New(ierrors.ErrCodeHNSWBuildFailed, "exporting hnsw graph", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return ierrors.IOError("closing hnsw graph file", err)
	}
	if err := os.Rename(tmpPath, graphPath); err != nil {
		os.Remove(tmpPath)
		return ierrors.IOError("installing hnsw graph file", err)
	}

	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return ierrors.InternalError("encoding id mapping", err)
	}
	mappingPath := filepath.Join(dir, mappingFile)
	mTmp := mappingPath + ".tmp"
	if err := os.WriteFile(mTmp, data, 0o644); err != nil {
		return ierrors.IOError("writing id mapping", err)
	}
	if err := os.Rename(mTmp, mappingPath); err != nil {
		os.Remove(mTmp)
		return ierrors.IOError("installing id mapping", err)
	}
	return nil
}

// Load reads the persisted graph for collection from disk, or returns nil
// if none has been built yet.
func (m *Manager) Load(collection string) (*IndexHandle, error) {
	dir := m.collectionPath(collection)
	mappingPath := filepath.Join(dir, mappingFile)
	graphPath := filepath.Join(dir, graphFile)

	mappingData, err := os.ReadFile(mappingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ierrors.IOError("reading id mapping", err)
	}
	var mapping idMapping
	if err := json.Unmarshal(mappingData, &mapping); err != nil {
		return nil, ierrors.New(ierrors.ErrCodeCorruptRecord, "id mapping is corrupt", err)
	}

	f, err := os.Open(graphPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ierrors.IOError("opening hnsw graph", err)
	}
	defer f.Close()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	if err := graph.Import(bufio.NewReader(f)); err != nil {
		return nil, ierrors.New(ierrors.ErrCodeCorruptRecord, "hnsw graph is corrupt", err)
	}

	keyToID := make(map[uint64]string, len(mapping.IDToKey))
	for id, key := range mapping.IDToKey {
		keyToID[key] = id
	}

	handle := &IndexHandle{graph: graph, keyToID: keyToID, vectorCount: mapping.VectorCount}
	m.mu.Lock()
	m.handles[collection] = handle
	m.mu.Unlock()
	return handle, nil
}

func (m *Manager) stalePath(collection string) string {
	return filepath.Join(m.collectionPath(collection), staleMarker)
}

// IsStale reports whether the graph is known to be behind the record set.
func (m *Manager) IsStale(collection string) bool {
	_, err := os.Stat(m.stalePath(collection))
	return err == nil
}

// MarkStale atomically creates the stale marker file.
func (m *Manager) MarkStale(collection string) error {
	dir := m.collectionPath(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ierrors.IOError("creating collection directory", err)
	}
	path := m.stalePath(collection)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		return ierrors.IOError("writing stale marker", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ierrors.IOError("installing stale marker", err)
	}
	return nil
}

func (m *Manager) clearStale(collection string) error {
	err := os.Remove(m.stalePath(collection))
	if err != nil && !os.IsNotExist(err) {
		return ierrors.IOError("clearing stale marker", err)
	}
	return nil
}

// EnsureFresh returns a handle ready for search: rebuilding first if the
// graph is stale or has never been built, otherwise loading (or reusing a
// cached) existing graph.
func (m *Manager) EnsureFresh(ctx context.Context, collection string) (*IndexHandle, error) {
	if !m.IsStale(collection) {
		if h := m.cached(collection); h != nil {
			return h, nil
		}
		h, err := m.Load(collection)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
	}

	report, err := m.Build(ctx, collection)
	if err != nil {
		return nil, err
	}
	h := m.cached(collection)
	if h == nil {
		return nil, ierrors.New(ierrors.ErrCodeHNSWBuildFailed, fmt.Sprintf("built %d vectors for %q but handle was not cached", report.VectorCount, collection), nil)
	}
	return h, nil
}

func (m *Manager) cached(collection string) *IndexHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[collection]
}
