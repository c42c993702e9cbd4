package hnswindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/amanmcp-lab/codeindexer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVectorSize = 16

func vecFor(seed float32) []float32 {
	v := make([]float32, testVectorSize)
	for i := range v {
		v[i] = float32(i)*0.07 + seed
	}
	return v
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir())
	_, err := st.CreateCollection("coll", testVectorSize)
	require.NoError(t, err)
	return New(t.TempDir(), st), st
}

func TestBuild_PersistsGraphAndMapping(t *testing.T) {
	m, st := newTestManager(t)

	var recs []store.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, store.Record{ID: string(rune('a' + i)), Vector: vecFor(float32(i))})
	}
	_, err := st.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	report, err := m.Build(context.Background(), "coll")
	require.NoError(t, err)
	assert.Equal(t, 5, report.VectorCount)

	assert.FileExists(t, filepath.Join(m.collectionPath("coll"), graphFile))
	assert.FileExists(t, filepath.Join(m.collectionPath("coll"), mappingFile))
	assert.False(t, m.IsStale("coll"))
}

func TestBuild_EmptyCollectionProducesEmptyGraph(t *testing.T) {
	m, _ := newTestManager(t)

	report, err := m.Build(context.Background(), "coll")
	require.NoError(t, err)
	assert.Equal(t, 0, report.VectorCount)
}

func TestLoad_ReturnsNilWhenNeverBuilt(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.Load("coll")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestSearch_ReturnsNearestByID(t *testing.T) {
	m, st := newTestManager(t)

	recs := []store.Record{
		{ID: "near", Vector: vecFor(1)},
		{ID: "far", Vector: vecFor(100)},
	}
	_, err := st.UpsertPoints("coll", recs, nil)
	require.NoError(t, err)

	_, err = m.Build(context.Background(), "coll")
	require.NoError(t, err)

	h, err := m.Load("coll")
	require.NoError(t, err)
	require.NotNil(t, h)

	results := h.Search(vecFor(1), 1)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].ID)
}

func TestMarkStaleAndIsStale(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.IsStale("coll"))

	require.NoError(t, m.MarkStale("coll"))
	assert.True(t, m.IsStale("coll"))
}

func TestEnsureFresh_BuildsWhenStaleThenClearsStale(t *testing.T) {
	m, st := newTestManager(t)
	_, err := st.UpsertPoints("coll", []store.Record{{ID: "a", Vector: vecFor(1)}}, nil)
	require.NoError(t, err)

	require.NoError(t, m.MarkStale("coll"))

	h, err := m.EnsureFresh(context.Background(), "coll")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.VectorCount())
	assert.False(t, m.IsStale("coll"))
}

func TestEnsureFresh_ReusesFreshHandleWithoutRebuilding(t *testing.T) {
	m, st := newTestManager(t)
	_, err := st.UpsertPoints("coll", []store.Record{{ID: "a", Vector: vecFor(1)}}, nil)
	require.NoError(t, err)

	_, err = m.Build(context.Background(), "coll")
	require.NoError(t, err)

	graphPath := filepath.Join(m.collectionPath("coll"), graphFile)
	before, err := os.Stat(graphPath)
	require.NoError(t, err)

	h, err := m.EnsureFresh(context.Background(), "coll")
	require.NoError(t, err)
	require.NotNil(t, h)

	after, err := os.Stat(graphPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "ensure_fresh on a fresh collection must not rebuild")
}
