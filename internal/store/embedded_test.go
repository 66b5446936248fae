package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sgx-labs/lore/internal/lesson"
	"github.com/sgx-labs/lore/internal/loreerr"
)

func TestEmbeddedConformance(t *testing.T) {
	runConformance(t, func() Store {
		e, err := OpenEmbedded(":memory:", 2, 30, "", "", nil)
		require.NoError(t, err)
		return e
	})
}

func TestEmbeddedCheckEmbeddingMetaAllowsFirstUse(t *testing.T) {
	e, err := OpenEmbedded(":memory:", 3, 30, "", "", nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.CheckEmbeddingMeta("local", "all-MiniLM-L6-v2", 3))
}

func TestEmbeddedCheckEmbeddingMetaRejectsDimensionChange(t *testing.T) {
	e, err := OpenEmbedded(":memory:", 3, 30, "", "", nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEmbeddingMeta("local", "all-MiniLM-L6-v2", 3))
	err = e.CheckEmbeddingMeta("local", "all-MiniLM-L6-v2", 8)
	require.Error(t, err)
}

func TestEmbeddedCheckEmbeddingMetaRejectsModelChange(t *testing.T) {
	e, err := OpenEmbedded(":memory:", 3, 30, "", "", nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEmbeddingMeta("local", "all-MiniLM-L6-v2", 3))
	err = e.CheckEmbeddingMeta("openai", "text-embedding-3-small", 3)
	require.Error(t, err)
}

// TestOpenEmbeddedRejectsReindexMismatch exercises the §4.6 gate through
// the normal open path rather than calling CheckEmbeddingMeta directly: a
// publish stamps the embedding metadata, and reopening the same database
// with a different dimension must fail Open instead of silently returning
// garbage cosine scores later.
func TestOpenEmbeddedRejectsReindexMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lore.db")
	ctx := context.Background()

	e, err := OpenEmbedded(path, 3, 30, "local", "all-MiniLM-L6-v2", nil)
	require.NoError(t, err)
	l := lesson.Lesson{
		ID: "l1", Problem: "p", Resolution: "r", Confidence: 0.5,
		CreatedAt: time.Now(), UpdatedAt: time.Now(), Embedding: []float32{1, 0, 0},
	}
	require.NoError(t, e.Save(ctx, l))
	require.NoError(t, e.Close())

	_, err = OpenEmbedded(path, 8, 30, "local", "all-MiniLM-L6-v2", nil)
	require.Error(t, err)
	require.True(t, loreerr.KindOfIs(err, loreerr.KindIntegrity))

	_, err = OpenEmbedded(path, 3, 30, "openai", "text-embedding-3-small", nil)
	require.Error(t, err)
	require.True(t, loreerr.KindOfIs(err, loreerr.KindIntegrity))

	e2, err := OpenEmbedded(path, 3, 30, "local", "all-MiniLM-L6-v2", nil)
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}
