package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
)

// idIndexEntry is one line of the on-disk id_index.bin log.
type idIndexEntry struct {
	ID      string `json:"id"`
	Path    string `json:"path,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// compactThreshold is the number of log entries appended since the last
// snapshot before idIndex rewrites a fresh snapshot in place.
const compactThreshold = 1000

// idIndex is the small on-disk map from record id to relative path
// described in spec: an append-mostly log plus a compact snapshot,
// rebuildable by scanning record files if lost or corrupted.
type idIndex struct {
	mu      sync.RWMutex
	entries map[string]string // id -> relative path
	dirty   int               // unflushed appends since last compaction
}

func newIDIndex() *idIndex {
	return &idIndex{entries: make(map[string]string)}
}

// Put records id -> path and appends the change to the log file.
func (x *idIndex) Put(logPath, id, path string) error {
	x.mu.Lock()
	x.entries[id] = path
	x.dirty++
	needsCompact := x.dirty >= compactThreshold
	x.mu.Unlock()

	if err := appendIDIndexEntry(logPath, idIndexEntry{ID: id, Path: path}); err != nil {
		return err
	}
	if needsCompact {
		return x.compact(logPath)
	}
	return nil
}

// Delete removes id from the index and appends a tombstone.
func (x *idIndex) Delete(logPath, id string) (string, bool, error) {
	x.mu.Lock()
	path, ok := x.entries[id]
	if ok {
		delete(x.entries, id)
		x.dirty++
	}
	x.mu.Unlock()

	if !ok {
		return "", false, nil
	}
	return path, true, appendIDIndexEntry(logPath, idIndexEntry{ID: id, Deleted: true})
}

// Get returns the relative path for id, or "" if absent.
func (x *idIndex) Get(id string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.entries[id]
	return p, ok
}

// Len returns the number of live entries.
func (x *idIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// IDs returns all live ids, sorted, for stable scroll ordering.
func (x *idIndex) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func appendIDIndexEntry(logPath string, e idIndexEntry) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return ierrors.IOError("create id index directory", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return ierrors.IOError("open id index log", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return ierrors.InternalError("marshal id index entry", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return ierrors.IOError("append id index entry", err)
	}
	return nil
}

// compact rewrites logPath to contain exactly one entry per live id,
// collapsing the replay history accumulated since the last compaction.
func (x *idIndex) compact(logPath string) error {
	x.mu.Lock()
	snapshot := make([]idIndexEntry, 0, len(x.entries))
	for id, path := range x.entries {
		snapshot = append(snapshot, idIndexEntry{ID: id, Path: path})
	}
	x.dirty = 0
	x.mu.Unlock()

	var sb strings.Builder
	for _, e := range snapshot {
		data, err := json.Marshal(e)
		if err != nil {
			return ierrors.InternalError("marshal id index snapshot entry", err)
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return writeFileAtomic(logPath, []byte(sb.String()))
}

// loadIDIndex replays the log at logPath into a fresh idIndex.
func loadIDIndex(logPath string) (*idIndex, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	x := newIDIndex()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e idIndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A corrupt line invalidates replay; caller falls back to a
			// full filesystem scan rather than trusting a partial index.
			return nil, ierrors.New(ierrors.ErrCodeCorruptRecord, "corrupt id index log entry", err)
		}
		if e.Deleted {
			delete(x.entries, e.ID)
		} else {
			x.entries[e.ID] = e.Path
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return x, nil
}

// rebuildIDIndexFromScan walks collPath for vector_*.json record files and
// reconstructs id -> relative path by reading each record's own id. Used
// when the id index log is missing or corrupt; record files are
// self-describing for exactly this reason.
func rebuildIDIndexFromScan(collPath string, x *idIndex) error {
	return filepath.WalkDir(collPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "vector_") || !strings.HasSuffix(name, ".json") {
			return nil
		}
		rec, err := readRecordFile(path)
		if err != nil {
			// Corrupt individual record: skip it, keep scanning.
			return nil
		}
		rel, err := filepath.Rel(collPath, path)
		if err != nil {
			return nil
		}
		x.entries[rec.ID] = filepath.ToSlash(rel)
		return nil
	})
}
