package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
)

const testVectorSize = 32

func vecFor(seed float32) []float32 {
	v := make([]float32, testVectorSize)
	for i := range v {
		v[i] = float32(i)*0.13 + seed
		if i%2 == 0 {
			v[i] = -v[i]
		}
	}
	return v
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func TestCreateCollection_CreatesLayout(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)
	assert.True(t, created)

	assert.True(t, s.CollectionExists("coll"))
	info, err := s.GetCollectionInfo("coll")
	require.NoError(t, err)
	assert.Equal(t, "coll", info.Name)
	assert.Equal(t, testVectorSize, info.VectorSize)
}

func TestCreateCollection_IdempotentDoesNotRegenerateMatrix(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	matrixPath := filepath.Join(s.basePath, "coll", matrixFile)
	before, err := os.ReadFile(matrixPath)
	require.NoError(t, err)

	created, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)
	assert.True(t, created)

	after, err := os.ReadFile(matrixPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestListCollections_ReturnsAllNames(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.CreateCollection("a", testVectorSize)
	_, _ = s.CreateCollection("b", testVectorSize)

	names, err := s.ListCollections()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestUpsertAndGetPoint_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	rec := Record{
		ID:     "rec1",
		Vector: vecFor(1),
		Payload: map[string]any{
			PayloadPath: "a.go", PayloadLineStart: 1, PayloadLineEnd: 5,
		},
	}
	result, err := s.UpsertPoints("coll", []Record{rec}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Empty(t, result.Failed)

	got, err := s.GetPoint("coll", "rec1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a.go", got.Payload[PayloadPath])
	assert.Len(t, got.Vector, testVectorSize)
	assert.Contains(t, got.Metadata, MetadataIndexedAt)
}

func TestGetPoint_MissingIDReturnsNil(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	got, err := s.GetPoint("coll", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertPoints_RejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	result, err := s.UpsertPoints("coll", []Record{{ID: "bad", Vector: []float32{1, 2, 3}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Count)
	assert.Equal(t, []string{"bad"}, result.Failed)

	reason := result.FailureReasons["bad"]
	require.Error(t, reason)
	var idxErr *ierrors.IndexError
	require.ErrorAs(t, reason, &idxErr)
	assert.Equal(t, ierrors.ErrCodeDimensionMismatch, idxErr.Code)
}

func TestUpsertPoints_VectorChangeCleansUpOldPath(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	_, err = s.UpsertPoints("coll", []Record{{ID: "rec1", Vector: vecFor(1)}}, nil)
	require.NoError(t, err)

	countBefore := countJSONFiles(t, filepath.Join(s.basePath, "coll"))

	_, err = s.UpsertPoints("coll", []Record{{ID: "rec1", Vector: vecFor(99)}}, nil)
	require.NoError(t, err)

	countAfter := countJSONFiles(t, filepath.Join(s.basePath, "coll"))
	assert.Equal(t, countBefore, countAfter, "changing a vector must not leave a stale file at the old quantized path")

	got, err := s.GetPoint("coll", "rec1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, vecFor(99), got.Vector)
}

func countJSONFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() && filepath.Ext(path) == ".json" && filepath.Base(path) != collectionMetaFile {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestCountPoints(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	count, err := s.CountPoints("coll")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	var recs []Record
	for i := 0; i < 10; i++ {
		recs = append(recs, Record{ID: idFor(i), Vector: vecFor(float32(i))})
	}
	_, err = s.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	count, err = s.CountPoints("coll")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func idFor(i int) string {
	return filepath.Join("vec", string(rune('a'+i)))
}

func TestDeletePoints_RemovesFilesAndIndexEntries(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	var recs []Record
	for i := 0; i < 5; i++ {
		recs = append(recs, Record{ID: idFor(i), Vector: vecFor(float32(i))})
	}
	_, err = s.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	result, err := s.DeletePoints("coll", []string{idFor(0), idFor(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)

	count, err := s.CountPoints("coll")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	got, err := s.GetPoint("coll", idFor(0))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteByFilter_RemovesMatchingOnly(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	recs := []Record{
		{ID: "py1", Vector: vecFor(1), Payload: map[string]any{PayloadLanguage: "python"}},
		{ID: "py2", Vector: vecFor(2), Payload: map[string]any{PayloadLanguage: "python"}},
		{ID: "js1", Vector: vecFor(3), Payload: map[string]any{PayloadLanguage: "javascript"}},
	}
	_, err = s.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	deleted, err := s.DeleteByFilter("coll", Filter{PayloadLanguage: "python"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	count, err := s.CountPoints("coll")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScrollPoints_PaginatesWithoutDuplicatesOrGaps(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	var recs []Record
	for i := 0; i < 20; i++ {
		recs = append(recs, Record{ID: idFor(i), Vector: vecFor(float32(i))})
	}
	_, err = s.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	seen := map[string]bool{}
	offset := ""
	for {
		page, next, err := s.ScrollPoints("coll", 7, offset, true, false)
		require.NoError(t, err)
		for _, r := range page {
			assert.False(t, seen[r.ID], "id %s seen twice across pages", r.ID)
			seen[r.ID] = true
		}
		if next == "" {
			break
		}
		offset = next
	}
	assert.Len(t, seen, 20)
}

func TestScrollPoints_RespectsWithVectorsAndWithPayload(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	_, err = s.UpsertPoints("coll", []Record{{ID: "rec1", Vector: vecFor(1), Payload: map[string]any{PayloadPath: "a.go"}}}, nil)
	require.NoError(t, err)

	page, _, err := s.ScrollPoints("coll", 10, "", false, false)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, page[0].Vector)
	assert.Nil(t, page[0].Payload)

	page, _, err = s.ScrollPoints("coll", 10, "", true, true)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.NotNil(t, page[0].Vector)
	assert.NotNil(t, page[0].Payload)
}

func TestScrollPoints_SkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	recs := []Record{
		{ID: "good1", Vector: vecFor(1)},
		{ID: "bad", Vector: vecFor(2)},
		{ID: "good2", Vector: vecFor(3)},
	}
	_, err = s.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	badPath, ok := func() (string, bool) {
		state, err := s.open("coll")
		require.NoError(t, err)
		return state.ids.Get("bad")
	}()
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(s.basePath, "coll", filepath.FromSlash(badPath)), []byte("not json"), 0o600))

	page, _, err := s.ScrollPoints("coll", 10, "", true, false)
	require.NoError(t, err)

	var ids []string
	for _, r := range page {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"good1", "good2"}, ids)
}

func TestBeginIndexing_BlocksConcurrentBracket(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	require.NoError(t, s.BeginIndexing("coll"))

	done := make(chan error, 1)
	go func() { done <- s.BeginIndexing("coll") }()

	select {
	case err := <-done:
		t.Fatalf("expected second BeginIndexing to block until the first ends, got err=%v", err)
	default:
	}

	shouldRebuild, err := s.EndIndexing("coll", false, nil)
	require.NoError(t, err)
	assert.True(t, shouldRebuild)

	require.NoError(t, <-done)
	_, err = s.EndIndexing("coll", false, nil)
	require.NoError(t, err)
}

func TestEndIndexing_SkipHNSWRebuildReportsFalse(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	require.NoError(t, s.BeginIndexing("coll"))
	shouldRebuild, err := s.EndIndexing("coll", true, nil)
	require.NoError(t, err)
	assert.False(t, shouldRebuild)
}

func TestRemoveCollection_DeletesDirectory(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)

	require.NoError(t, s.RemoveCollection("coll"))
	assert.False(t, s.CollectionExists("coll"))
}
