package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
	"github.com/amanmcp-lab/codeindexer/internal/quantize"
)

// UpsertPoints writes each record to its quantized path, atomically. If a
// prior record with the same id lived at a different quantized path (its
// vector changed), the old file is removed. Individual write failures are
// collected in the result rather than aborting the batch; records already
// written remain in place.
func (s *Store) UpsertPoints(collection string, records []Record, progress ProgressCallback) (UpsertResult, error) {
	state, err := s.open(collection)
	if err != nil {
		return UpsertResult{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	logPath := filepath.Join(state.path, idIndexFile)
	result := UpsertResult{Status: "ok", FailureReasons: map[string]error{}}

	fail := func(id string, err error) {
		result.Failed = append(result.Failed, id)
		result.FailureReasons[id] = err
	}

	for i, rec := range records {
		if len(rec.Vector) != state.meta.VectorSize {
			fail(rec.ID, ierrors.New(ierrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("record %q: vector has %d dimensions, collection expects %d", rec.ID, len(rec.Vector), state.meta.VectorSize), nil))
			continue
		}

		relPath, err := quantize.RelativePath(state.matrix, rec.ID, rec.Vector)
		if err != nil {
			fail(rec.ID, ierrors.IOError(fmt.Sprintf("quantizing record %q", rec.ID), err))
			continue
		}
		fullPath := filepath.Join(state.path, filepath.FromSlash(relPath))

		if oldRel, ok := state.ids.Get(rec.ID); ok && oldRel != relPath {
			os.Remove(filepath.Join(state.path, filepath.FromSlash(oldRel)))
		}

		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		rec.Metadata[MetadataIndexedAt] = time.Now().UTC().Format(time.RFC3339)

		if err := writeRecordFile(fullPath, rec); err != nil {
			fail(rec.ID, ierrors.IOError(fmt.Sprintf("writing record %q", rec.ID), err))
			continue
		}
		if err := state.ids.Put(logPath, rec.ID, relPath); err != nil {
			fail(rec.ID, ierrors.IOError(fmt.Sprintf("updating id index for %q", rec.ID), err))
			continue
		}
		result.Count++

		if progress != nil {
			progress(i+1, len(records), fullPath, "indexed")
		}
	}

	if len(result.Failed) > 0 {
		result.Status = "partial"
	}
	return result, nil
}

// GetPoint looks up a record by id via the id index, an O(1) operation
// that never falls back to scanning. A missing id returns (nil, nil).
func (s *Store) GetPoint(collection, id string) (*Record, error) {
	state, err := s.open(collection)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	relPath, ok := state.ids.Get(id)
	state.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	rec, err := readRecordFile(filepath.Join(state.path, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ScrollPoints enumerates records in stable id order, limit at a time. The
// returned offset, when non-empty, is the id to pass back in for the next
// page; an empty offset means no further pages.
func (s *Store) ScrollPoints(collection string, limit int, offset string, withPayload, withVectors bool) ([]Record, string, error) {
	state, err := s.open(collection)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	state.mu.RLock()
	ids := state.ids.IDs()
	state.mu.RUnlock()

	start := 0
	if offset != "" {
		start = sort.SearchStrings(ids, offset)
		if start < len(ids) && ids[start] == offset {
			start++
		}
	}

	var out []Record
	idx := start
	for idx < len(ids) && len(out) < limit {
		rec, err := s.GetPoint(collection, ids[idx])
		idx++
		if err != nil || rec == nil {
			// Corrupt or concurrently-deleted record: skip, keep paging.
			continue
		}
		if !withPayload {
			rec.Payload = nil
		}
		if !withVectors {
			rec.Vector = nil
		}
		out = append(out, *rec)
	}

	next := ""
	if idx < len(ids) {
		next = ids[idx-1]
	}
	return out, next, nil
}

// CountPoints returns the number of live records in collection.
func (s *Store) CountPoints(collection string) (int, error) {
	state, err := s.open(collection)
	if err != nil {
		return 0, err
	}
	return state.ids.Len(), nil
}

// DeletePoints removes the given ids, both their files and their id-index
// entries.
func (s *Store) DeletePoints(collection string, ids []string) (DeleteResult, error) {
	state, err := s.open(collection)
	if err != nil {
		return DeleteResult{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	logPath := filepath.Join(state.path, idIndexFile)
	result := DeleteResult{Status: "ok"}
	for _, id := range ids {
		relPath, ok, err := state.ids.Delete(logPath, id)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		os.Remove(filepath.Join(state.path, filepath.FromSlash(relPath)))
		result.Deleted++
	}
	return result, nil
}

// DeleteByFilter scans every record and removes those whose payload
// matches filter.
func (s *Store) DeleteByFilter(collection string, filter Filter) (int, error) {
	state, err := s.open(collection)
	if err != nil {
		return 0, err
	}

	state.mu.RLock()
	ids := state.ids.IDs()
	state.mu.RUnlock()

	var toDelete []string
	for _, id := range ids {
		rec, err := s.GetPoint(collection, id)
		if err != nil || rec == nil {
			continue
		}
		if filter.Matches(rec.Payload) {
			toDelete = append(toDelete, id)
		}
	}

	result, err := s.DeletePoints(collection, toDelete)
	return result.Deleted, err
}

// ScanVectors returns every live (id, vector, payload) in collection. The
// HNSW manager reads it to build a collection's graph.
func (s *Store) ScanVectors(collection string) ([]Record, error) {
	recs, _, err := s.ScrollPoints(collection, 1<<30, "", true, true)
	return recs, err
}

// indexingLockPath returns the advisory cross-process lock file path used
// to bracket a write burst.
func indexingLockPath(collPath string) string {
	return filepath.Join(collPath, ".indexing.lock")
}

// BeginIndexing acquires the per-collection indexing bracket, an advisory
// lock (held cross-process via flock, so a CLI `index` run and a running
// daemon don't rebuild HNSW concurrently against the same collection)
// signaling that a write burst is starting.
func (s *Store) BeginIndexing(collection string) error {
	state, err := s.open(collection)
	if err != nil {
		return err
	}

	state.indexMu.Lock()
	fl := flock.New(indexingLockPath(state.path))
	locked, err := fl.TryLock()
	if err != nil {
		state.indexMu.Unlock()
		return ierrors.IOError("acquire indexing lock", err)
	}
	if !locked {
		state.indexMu.Unlock()
		return fmt.Errorf("store: collection %q is already being indexed", collection)
	}

	state.fileLock = fl
	state.indexed = true
	return nil
}

// EndIndexing releases the indexing bracket. It reports whether the
// caller should rebuild the HNSW graph: true unless skipHNSWRebuild was
// requested (watcher mode, which only wants the stale marker set).
func (s *Store) EndIndexing(collection string, skipHNSWRebuild bool, progress ProgressCallback) (shouldRebuild bool, err error) {
	state, err := s.open(collection)
	if err != nil {
		return false, err
	}
	defer state.indexMu.Unlock()

	if state.fileLock != nil {
		state.fileLock.Unlock()
		state.fileLock = nil
	}
	state.indexed = false

	if progress != nil {
		progress(1, 1, state.path, "indexing complete")
	}
	return !skipHNSWRebuild, nil
}
