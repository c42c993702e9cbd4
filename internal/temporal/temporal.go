// Package temporal implements the hash-prefix metadata store that backs
// temporal (commit-indexed) collections. Point ids for temporal collections
// encode the project, diff id, commit hash, file path, and chunk index, and
// can run well past typical filesystem filename limits; the store maps each
// point id to a short, filename-safe hash prefix and keeps the reverse
// mapping (plus commit/path metadata) in SQLite so lookups don't require
// scanning every record on disk.
package temporal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
)

// TemporalCollectionName is the well-known name of the temporal collection;
// commit-indexed chunks always live here regardless of project.
const TemporalCollectionName = "code-indexer-temporal"

const (
	metadataDBName   = "temporal_metadata.db"
	hashPrefixLength = 16
)

const schema = `
CREATE TABLE IF NOT EXISTS temporal_metadata (
	hash_prefix TEXT PRIMARY KEY,
	point_id TEXT NOT NULL UNIQUE,
	commit_hash TEXT,
	file_path TEXT,
	chunk_index INTEGER,
	created_at TEXT,
	format_version INTEGER DEFAULT 2
);
CREATE INDEX IF NOT EXISTS idx_point_id ON temporal_metadata(point_id);
CREATE INDEX IF NOT EXISTS idx_commit_hash ON temporal_metadata(commit_hash);
CREATE INDEX IF NOT EXISTS idx_file_path ON temporal_metadata(file_path);
`

// Metadata is one hash-prefix entry's full record.
type Metadata struct {
	PointID    string
	CommitHash string
	FilePath   string
	ChunkIndex int
	CreatedAt  string
}

// Store is a SQLite-backed hash-prefix metadata table scoped to one
// collection directory. It is safe for concurrent use; database/sql pools
// and serializes access to the underlying connection itself.
type Store struct {
	collectionPath string
	dbPath         string
	db             *sql.DB
	log            *slog.Logger
}

// Open creates (if needed) and opens the temporal metadata database under
// collectionPath. The presence of this file is itself the v2-format marker;
// see DetectFormat.
func Open(collectionPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(collectionPath, 0o755); err != nil {
		return nil, ierrors.IOError(fmt.Sprintf("creating temporal collection directory %q", collectionPath), err)
	}

	dbPath := filepath.Join(collectionPath, metadataDBName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeInternal, fmt.Sprintf("opening temporal metadata db at %q", dbPath), err)
	}
	// SQLite permits only one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent indexing goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ierrors.New(ierrors.ErrCodeInternal, "initializing temporal metadata schema", err)
	}

	return &Store{collectionPath: collectionPath, dbPath: dbPath, db: db, log: log}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GenerateHashPrefix derives the 16-char SHA-256 hash prefix used as the
// on-disk filename for a point id.
func GenerateHashPrefix(pointID string) string {
	sum := sha256.Sum256([]byte(pointID))
	return hex.EncodeToString(sum[:])[:hashPrefixLength]
}

// SaveMetadata records a point id's metadata and returns its hash prefix.
// commitHash and filePath come straight from the record payload; a missing
// value is logged but not fatal, matching records whose payload is still
// mid-backfill.
func (s *Store) SaveMetadata(ctx context.Context, pointID, commitHash, filePath string, chunkIndex int) (string, error) {
	hashPrefix := GenerateHashPrefix(pointID)

	if commitHash == "" {
		s.log.Warn("temporal metadata missing commit_hash", "point_id", pointID)
	}
	if filePath == "" {
		s.log.Warn("temporal metadata missing file_path", "point_id", pointID)
	}

	createdAt := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temporal_metadata (hash_prefix, point_id, commit_hash, file_path, chunk_index, created_at, format_version)
		VALUES (?, ?, ?, ?, ?, ?, 2)
		ON CONFLICT(hash_prefix) DO UPDATE SET
			point_id = excluded.point_id,
			commit_hash = excluded.commit_hash,
			file_path = excluded.file_path,
			chunk_index = excluded.chunk_index,
			created_at = excluded.created_at
	`, hashPrefix, pointID, commitHash, filePath, chunkIndex, createdAt)
	if err != nil {
		return "", ierrors.New(ierrors.ErrCodeInternal, fmt.Sprintf("saving temporal metadata for %q", pointID), err)
	}
	return hashPrefix, nil
}

// GetPointID resolves a hash prefix back to its full point id, returning
// ("", nil) when no such entry exists.
func (s *Store) GetPointID(ctx context.Context, hashPrefix string) (string, error) {
	var pointID string
	err := s.db.QueryRowContext(ctx, `SELECT point_id FROM temporal_metadata WHERE hash_prefix = ?`, hashPrefix).Scan(&pointID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", ierrors.New(ierrors.ErrCodeInternal, fmt.Sprintf("looking up point id for hash prefix %q", hashPrefix), err)
	}
	return pointID, nil
}

// GetMetadata returns the full metadata row for a hash prefix, or nil if
// none exists.
func (s *Store) GetMetadata(ctx context.Context, hashPrefix string) (*Metadata, error) {
	var m Metadata
	err := s.db.QueryRowContext(ctx, `
		SELECT point_id, commit_hash, file_path, chunk_index, created_at
		FROM temporal_metadata WHERE hash_prefix = ?
	`, hashPrefix).Scan(&m.PointID, &m.CommitHash, &m.FilePath, &m.ChunkIndex, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeInternal, fmt.Sprintf("reading temporal metadata for %q", hashPrefix), err)
	}
	return &m, nil
}

// DeleteMetadata removes a single hash-prefix entry.
func (s *Store) DeleteMetadata(ctx context.Context, hashPrefix string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM temporal_metadata WHERE hash_prefix = ?`, hashPrefix); err != nil {
		return ierrors.New(ierrors.ErrCodeInternal, fmt.Sprintf("deleting temporal metadata for %q", hashPrefix), err)
	}
	return nil
}

// CleanupStaleMetadata removes entries whose hash prefix has no
// corresponding vector file on disk (validHashPrefixes), and returns the
// number of entries removed. Intended for a reconcile pass after vector
// files have been pruned by other means.
func (s *Store) CleanupStaleMetadata(ctx context.Context, validHashPrefixes map[string]struct{}) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash_prefix FROM temporal_metadata`)
	if err != nil {
		return 0, ierrors.New(ierrors.ErrCodeInternal, "listing temporal metadata hash prefixes", err)
	}
	var all []string
	for rows.Next() {
		var prefix string
		if err := rows.Scan(&prefix); err != nil {
			rows.Close()
			return 0, ierrors.New(ierrors.ErrCodeInternal, "scanning temporal metadata hash prefix", err)
		}
		all = append(all, prefix)
	}
	rows.Close()

	var stale []string
	for _, prefix := range all {
		if _, ok := validHashPrefixes[prefix]; !ok {
			stale = append(stale, prefix)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stale)), ",")
	args := make([]any, len(stale))
	for i, p := range stale {
		args[i] = p
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM temporal_metadata WHERE hash_prefix IN (%s)`, placeholders), args...); err != nil {
		return 0, ierrors.New(ierrors.ErrCodeInternal, "deleting stale temporal metadata", err)
	}
	s.log.Info("cleaned up stale temporal metadata", "count", len(stale))
	return len(stale), nil
}

// CountEntries returns the total number of metadata rows.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM temporal_metadata`).Scan(&n); err != nil {
		return 0, ierrors.New(ierrors.ErrCodeInternal, "counting temporal metadata entries", err)
	}
	return n, nil
}

// DetectFormat reports whether collectionPath holds a v2 (hash-prefix,
// SQLite-backed) temporal collection or a legacy v1 one. The presence of
// the metadata database file is the only signal needed: v1 collections
// predate this store entirely.
func DetectFormat(collectionPath string) string {
	if _, err := os.Stat(filepath.Join(collectionPath, metadataDBName)); err == nil {
		return "v2"
	}
	return "v1"
}

// RequireV2 returns a *ierrors.IndexError with ErrCodeTemporalFormat if
// collectionPath is still in legacy v1 format, instructing the caller to
// re-index. Callers should check this before trusting hash-prefix filenames.
func RequireV2(collectionPath string) error {
	if DetectFormat(collectionPath) == "v2" {
		return nil
	}
	return ierrors.New(ierrors.ErrCodeTemporalFormat,
		fmt.Sprintf("legacy temporal index format (v1) detected at %q; re-index with --index-commits --reconcile", collectionPath),
		nil,
	).WithSuggestion("re-run indexing with --index-commits --reconcile to upgrade this collection to v2")
}

// IsTemporalCollection reports whether name is the well-known temporal
// collection name.
func IsTemporalCollection(name string) bool {
	return name == TemporalCollectionName
}
