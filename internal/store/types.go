// Package store implements the on-disk vector store: path-as-vector
// quantized record files, a rebuildable id index, and collection
// lifecycle management. It is the persistence layer everything else in
// the engine (HNSW, FTS, the search executor, the daemon) reads from.
package store

import "time"

// Record is the atomic unit of storage: an id, its embedding, and a
// payload carrying whatever the caller chose to store alongside it
// (source path, line range, language, git-aware content fields, ...).
type Record struct {
	ID       string
	Vector   []float32
	Payload  map[string]any
	Metadata map[string]any
}

// recordFile is the on-disk JSON shape of a Record file.
type recordFile struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Payload  map[string]any `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Well-known payload keys. Payload is an open map (any caller-chosen key
// is legal), but these are read directly by the store, the resolver, and
// the search executor.
const (
	PayloadPath                    = "path"
	PayloadLineStart               = "line_start"
	PayloadLineEnd                 = "line_end"
	PayloadLanguage                = "language"
	PayloadType                    = "type"
	PayloadBranch                  = "branch"
	PayloadCommitHash              = "commit_hash"
	PayloadChunkIndex              = "chunk_index"
	PayloadGitBlobHash             = "git_blob_hash"
	PayloadIndexedWithUncommitted  = "indexed_with_uncommitted_changes"
	PayloadChunkText               = "chunk_text"
	MetadataIndexedAt              = "indexed_at"
)

// CollectionInfo is the externally visible description of a collection.
type CollectionInfo struct {
	Name       string
	VectorSize int
	CreatedAt  time.Time
	PointCount int
}

// ProgressCallback is invoked once per successfully written record during a
// batch write, and once more by EndIndexing when the write burst ends.
type ProgressCallback func(current, total int, path, info string)

// Filter is a payload-equality predicate used by delete_by_filter and by
// the search executor's post-filter hook. A record matches when every key
// in Filter is present in the record's payload with an equal value.
type Filter map[string]any

// Matches reports whether payload satisfies f.
func (f Filter) Matches(payload map[string]any) bool {
	for k, v := range f {
		pv, ok := payload[k]
		if !ok {
			return false
		}
		if !valuesEqual(pv, v) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	// JSON round-tripping turns ints into float64; compare numerically
	// tolerant of that rather than failing a filter that was written
	// against an in-memory int and read back from a persisted record.
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// UpsertResult is returned by UpsertPoints.
type UpsertResult struct {
	Status string
	Count  int
	Failed []string // ids that failed to write

	// FailureReasons carries the typed error behind each entry in Failed,
	// keyed by record id, so callers can distinguish a refused write (e.g.
	// ErrCodeDimensionMismatch) from an I/O failure instead of only seeing
	// the id.
	FailureReasons map[string]error
}

// DeleteResult is returned by DeletePoints.
type DeleteResult struct {
	Status  string
	Deleted int
}
