package gitrunner

import "github.com/go-git/go-git/v5/plumbing"

// BlobHash computes the canonical git blob hash of data (SHA-1 over
// "blob <len>\0<bytes>") using go-git's own object hasher, rather than
// shelling out. Used to check a single file's hash in-process when the
// caller already has the file contents in memory; the batched
// HashObjectBatch path is for many files at once and matches what the
// real git binary produces for paths not yet read into memory.
func BlobHash(data []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, data).String()
}
