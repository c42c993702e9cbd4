// Package gitresolve implements the git-aware chunk resolver: given a
// stored record, it returns the chunk's current content plus whether that
// content still reflects what's on disk (fresh, modified, or deleted).
//
// It never forks git per record. Resolving a batch of records issues at
// most one git cat-file --batch and relies on in-process blob hashing
// (gitrunner.BlobHash) instead of git hash-object, so hashing an already
// in-memory file never forks at all.
package gitresolve

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/amanmcp-lab/codeindexer/internal/gitrunner"
	"github.com/amanmcp-lab/codeindexer/internal/store"
)

// Status mirrors the staleness states a resolved chunk can carry.
const (
	StatusFresh    = "fresh"
	StatusModified = "modified"
	StatusDeleted  = "deleted"
)

const (
	ReasonHashMismatch    = "hash_mismatch"
	ReasonFileModified    = "file_modified_after_indexing"
	ReasonFileDeleted     = "file_deleted"
	ReasonBlobUnavailable = "blob_unavailable"
)

// Staleness reports whether resolved content still reflects disk.
type Staleness struct {
	IsStale      bool
	Status       string
	Reason       string
	HashMismatch bool
}

// Resolved is the outcome of resolving one record.
type Resolved struct {
	Content   string
	Staleness Staleness
}

// Resolver resolves records against a working tree root.
type Resolver struct {
	root   string
	runner *gitrunner.Runner
}

// New returns a Resolver rooted at root.
func New(root string) *Resolver {
	return &Resolver{root: root, runner: gitrunner.New(root)}
}

// Resolve resolves a single record. For batches, prefer ResolveBatch, which
// shares one cat-file pipe across every record that needs blob retrieval.
func (r *Resolver) Resolve(ctx context.Context, rec store.Record) (Resolved, error) {
	results, err := r.ResolveBatch(ctx, []store.Record{rec})
	if err != nil {
		return Resolved{}, err
	}
	return results[0], nil
}

// ResolveBatch resolves many records, issuing at most one git cat-file
// --batch pipe for every record that needs blob content (deleted files, or
// files whose on-disk hash no longer matches the recorded blob hash).
func (r *Resolver) ResolveBatch(ctx context.Context, records []store.Record) ([]Resolved, error) {
	out := make([]Resolved, len(records))

	// Records carrying chunk_text resolve without touching disk, except
	// when they were indexed dirty and we must check whether the file has
	// since changed again.
	var needsDiskCheck []int
	for i, rec := range records {
		chunkText, hasText := rec.Payload[store.PayloadChunkText].(string)
		if hasText {
			uncommitted, _ := rec.Payload[store.PayloadIndexedWithUncommitted].(bool)
			if !uncommitted {
				out[i] = Resolved{Content: chunkText, Staleness: Staleness{Status: StatusFresh}}
				continue
			}
			needsDiskCheck = append(needsDiskCheck, i)
			continue
		}
		needsDiskCheck = append(needsDiskCheck, i)
	}

	var blobHashes []string
	blobWanted := make(map[string]bool)

	for _, i := range needsDiskCheck {
		rec := records[i]
		path, _ := rec.Payload[store.PayloadPath].(string)
		recordedHash, _ := rec.Payload[store.PayloadGitBlobHash].(string)

		data, err := os.ReadFile(join(r.root, path))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("gitresolve: reading %s: %w", path, err)
			}
			if recordedHash == "" {
				out[i] = Resolved{Staleness: Staleness{IsStale: true, Status: StatusDeleted, Reason: ReasonFileDeleted}}
				continue
			}
			if !blobWanted[recordedHash] {
				blobWanted[recordedHash] = true
				blobHashes = append(blobHashes, recordedHash)
			}
			continue
		}

		currentHash := gitrunner.BlobHash(data)
		if recordedHash != "" && currentHash != recordedHash {
			if !blobWanted[recordedHash] {
				blobWanted[recordedHash] = true
				blobHashes = append(blobHashes, recordedHash)
			}
			continue
		}

		chunkText, hasText := rec.Payload[store.PayloadChunkText].(string)
		if hasText {
			// indexed dirty, file unchanged since: still fresh.
			out[i] = Resolved{Content: chunkText, Staleness: Staleness{Status: StatusFresh}}
			continue
		}

		out[i] = Resolved{Content: sliceLines(string(data), rec.Payload), Staleness: Staleness{Status: StatusFresh}}
	}

	var blobs map[string][]byte
	if len(blobHashes) > 0 {
		var err error
		blobs, err = r.runner.CatFileBatch(ctx, blobHashes)
		if err != nil {
			return nil, fmt.Errorf("gitresolve: cat-file batch: %w", err)
		}
	}

	for _, i := range needsDiskCheck {
		if out[i].Staleness.Status != "" {
			continue
		}
		rec := records[i]
		recordedHash, _ := rec.Payload[store.PayloadGitBlobHash].(string)
		path, _ := rec.Payload[store.PayloadPath].(string)
		_, statErr := os.Stat(join(r.root, path))
		fileMissing := statErr != nil

		blob, ok := blobs[recordedHash]
		if !ok {
			reason := ReasonBlobUnavailable
			status := StatusModified
			if fileMissing {
				status = StatusDeleted
				reason = ReasonFileDeleted
			}
			out[i] = Resolved{Staleness: Staleness{IsStale: true, Status: status, Reason: reason}}
			continue
		}

		content := sliceLines(string(blob), rec.Payload)
		if fileMissing {
			out[i] = Resolved{Content: content, Staleness: Staleness{IsStale: true, Status: StatusDeleted, Reason: ReasonFileDeleted}}
			continue
		}
		out[i] = Resolved{Content: content, Staleness: Staleness{IsStale: true, Status: StatusModified, Reason: ReasonFileModified, HashMismatch: true}}
	}

	return out, nil
}

func join(root, path string) string {
	if path == "" {
		return root
	}
	if strings.HasPrefix(path, "/") {
		return path
	}
	return root + "/" + path
}

func sliceLines(content string, payload map[string]any) string {
	lineStart := intFromPayload(payload, store.PayloadLineStart)
	lineEnd := intFromPayload(payload, store.PayloadLineEnd)
	if lineStart <= 0 && lineEnd <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	if lineStart < 1 {
		lineStart = 1
	}
	if lineEnd < lineStart || lineEnd > len(lines) {
		lineEnd = len(lines)
	}
	if lineStart > len(lines) {
		return ""
	}
	return strings.Join(lines[lineStart-1:lineEnd], "\n")
}

func intFromPayload(payload map[string]any, key string) int {
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
