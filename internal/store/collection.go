package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/amanmcp-lab/codeindexer/internal/quantize"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
)

const (
	collectionMetaFile = "collection_meta.json"
	matrixFile         = "projection_matrix.npy"
	idIndexFile        = "id_index.bin"
)

type collectionMeta struct {
	Name       string    `json:"name"`
	VectorSize int       `json:"vector_size"`
	CreatedAt  time.Time `json:"created_at"`
}

// collectionState is the in-memory handle for one open collection.
type collectionState struct {
	mu       sync.RWMutex
	path     string
	meta     collectionMeta
	matrix   *quantize.Matrix
	ids      *idIndex
	indexMu  sync.Mutex // begin_indexing/end_indexing advisory bracket
	indexed  bool
	fileLock *flock.Flock // held cross-process while indexed is true
}

// Store is the on-disk vector store rooted at a base directory, with one
// subdirectory per collection.
type Store struct {
	basePath string

	mu          sync.RWMutex
	collections map[string]*collectionState
}

// New opens (without creating) a Store rooted at basePath.
func New(basePath string) *Store {
	return &Store{basePath: basePath, collections: make(map[string]*collectionState)}
}

// CreateCollection creates a collection directory, generates and persists
// its projection matrix, and writes collection_meta.json. Idempotent: if
// the directory and matrix already exist, it succeeds without
// regenerating them.
func (s *Store) CreateCollection(name string, vectorSize int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collPath := s.collectionPath(name)
	metaPath := filepath.Join(collPath, collectionMetaFile)
	matrixPath := filepath.Join(collPath, matrixFile)

	if _, err := os.Stat(metaPath); err == nil {
		if _, err := os.Stat(matrixPath); err == nil {
			state, err := s.loadCollectionLocked(name)
			if err != nil {
				return false, err
			}
			s.collections[name] = state
			return true, nil
		}
	}

	if err := os.MkdirAll(collPath, 0o755); err != nil {
		return false, ierrors.IOError(fmt.Sprintf("create collection directory %q", collPath), err)
	}

	matrix, err := quantize.NewMatrix(vectorSize)
	if err != nil {
		return false, ierrors.New(ierrors.ErrCodeInvalidInput, "generate projection matrix", err)
	}
	if err := writeFileAtomic(matrixPath, matrix.Bytes()); err != nil {
		return false, ierrors.IOError("persist projection matrix", err)
	}

	meta := collectionMeta{Name: name, VectorSize: vectorSize, CreatedAt: time.Now().UTC()}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return false, ierrors.InternalError("marshal collection metadata", err)
	}
	if err := writeFileAtomic(metaPath, metaBytes); err != nil {
		return false, ierrors.IOError("persist collection metadata", err)
	}

	s.collections[name] = &collectionState{
		path:   collPath,
		meta:   meta,
		matrix: matrix,
		ids:    newIDIndex(),
	}
	return true, nil
}

// CollectionExists reports whether name has been created.
func (s *Store) CollectionExists(name string) bool {
	_, err := os.Stat(filepath.Join(s.collectionPath(name), collectionMetaFile))
	return err == nil
}

// ListCollections returns all collection names under the store root.
func (s *Store) ListCollections() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ierrors.IOError("list collections", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.basePath, e.Name(), collectionMetaFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// GetCollectionInfo returns metadata plus a live point count.
func (s *Store) GetCollectionInfo(name string) (CollectionInfo, error) {
	state, err := s.open(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{
		Name:       state.meta.Name,
		VectorSize: state.meta.VectorSize,
		CreatedAt:  state.meta.CreatedAt,
		PointCount: state.ids.Len(),
	}, nil
}

// RemoveCollection deletes a collection and all of its on-disk state.
func (s *Store) RemoveCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	if err := os.RemoveAll(s.collectionPath(name)); err != nil {
		return ierrors.IOError(fmt.Sprintf("remove collection %q", name), err)
	}
	return nil
}

func (s *Store) collectionPath(name string) string {
	return filepath.Join(s.basePath, name)
}

// open returns the cached collection handle, loading it from disk on
// first access.
func (s *Store) open(name string) (*collectionState, error) {
	s.mu.RLock()
	state, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return state, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.collections[name]; ok {
		return state, nil
	}

	state, err := s.loadCollectionLocked(name)
	if err != nil {
		return nil, err
	}
	s.collections[name] = state
	return state, nil
}

func (s *Store) loadCollectionLocked(name string) (*collectionState, error) {
	collPath := s.collectionPath(name)

	metaBytes, err := os.ReadFile(filepath.Join(collPath, collectionMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ierrors.New(ierrors.ErrCodeCollectionNotFound, fmt.Sprintf("collection %q not found", name), err)
		}
		return nil, ierrors.IOError("read collection metadata", err)
	}
	var meta collectionMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, ierrors.New(ierrors.ErrCodeCorruptRecord, "corrupt collection metadata", err)
	}

	matrixBytes, err := os.ReadFile(filepath.Join(collPath, matrixFile))
	if err != nil {
		return nil, ierrors.IOError("read projection matrix", err)
	}
	matrix, err := quantize.MatrixFromBytes(matrixBytes)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeCorruptRecord, "corrupt projection matrix", err)
	}

	ids, err := loadIDIndex(filepath.Join(collPath, idIndexFile))
	if err != nil {
		// The id index is rebuildable; a corrupt or missing log is not
		// fatal, only slow.
		ids = newIDIndex()
		if rebuildErr := rebuildIDIndexFromScan(collPath, ids); rebuildErr != nil {
			return nil, rebuildErr
		}
	}

	return &collectionState{path: collPath, meta: meta, matrix: matrix, ids: ids}, nil
}
