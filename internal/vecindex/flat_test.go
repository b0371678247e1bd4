package vecindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

func TestFlatAddAssignsSequentialIDs(t *testing.T) {
	idx := NewFlat(3)

	ids, err := idx.Add([][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, ids)

	ids, err = idx.Add([][]float32{{0, 0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
	assert.Equal(t, int64(3), idx.Len())
}

func TestFlatAdoptsDimensionOnFirstAdd(t *testing.T) {
	idx := NewFlat(0)
	assert.Zero(t, idx.Dimension())

	_, err := idx.Add([][]float32{{0.6, 0.8}})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Dimension())

	_, err = idx.Add([][]float32{{1, 0, 0}})
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodeDimensionMismatch, dferrors.GetCode(err))
}

func TestFlatSearchOrdersByInnerProduct(t *testing.T) {
	idx := NewFlat(2)
	_, err := idx.Add([][]float32{
		{1, 0},
		{0, 1},
		{0.7071, 0.7071},
	})
	require.NoError(t, err)

	results, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(0), results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6)
	assert.Equal(t, int64(2), results[1].ID)
	assert.InDelta(t, 0.7071, float64(results[1].Score), 1e-4)
}

func TestFlatSearchClampsK(t *testing.T) {
	idx := NewFlat(2)
	_, err := idx.Add([][]float32{{1, 0}})
	require.NoError(t, err)

	results, err := idx.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFlatSearchEmpty(t *testing.T) {
	idx := NewFlat(2)

	results, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFlatSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme_kb_v1.faiss")

	idx := NewFlat(3)
	_, err := idx.Add([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)
	require.NoError(t, idx.Save(path))

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadFlat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.Len())
	assert.Equal(t, 3, loaded.Dimension())

	results, err := loaded.Search([]float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].ID)
}

func TestLoadFlatRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.faiss")
	require.NoError(t, os.WriteFile(path, []byte("not an index at all"), 0o644))

	_, err := LoadFlat(path)
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodeIndexCorrupt, dferrors.GetCode(err))
}

func TestFlatTruncate(t *testing.T) {
	idx := NewFlat(2)
	_, err := idx.Add([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)

	idx.Truncate()
	assert.Equal(t, int64(0), idx.Len())
	assert.Equal(t, 2, idx.Dimension())

	ids, err := idx.Add([][]float32{{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, ids)
}

func TestKeyFilenameSanitized(t *testing.T) {
	k := Key{Tenant: "acme corp", Namespace: "kb/docs", Version: "v1"}
	assert.Equal(t, "acme-corp_kb-docs_v1.faiss", k.Filename())
}

func TestManagerLoadSaveInvalidate(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, false, nil)
	require.NoError(t, err)
	defer m.Close()

	key := Key{Tenant: "acme", Namespace: "kb", Version: "v1"}

	idx, err := m.Load(key, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx.Len())

	_, err = idx.Add([][]float32{{1, 0}})
	require.NoError(t, err)
	require.NoError(t, m.Save(key, idx))

	// Cached instance is returned as-is.
	again, err := m.Load(key, 2)
	require.NoError(t, err)
	assert.Same(t, idx, again)

	// After invalidation the index is reread from disk.
	m.Invalidate(key)
	reloaded, err := m.Load(key, 2)
	require.NoError(t, err)
	assert.NotSame(t, idx, reloaded)
	assert.Equal(t, int64(1), reloaded.Len())
}
