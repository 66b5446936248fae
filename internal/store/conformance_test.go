package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sgx-labs/lore/internal/lesson"
)

// runConformance exercises the capability contract §4.3 specifies for
// every Store implementation. Both MemoryStore and EmbeddedStore tests
// call this with their own factory so the two backends are held to the
// identical contract.
func runConformance(t *testing.T, newStore func() Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("save then get observes the write", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		l := lesson.Lesson{
			ID: "l1", Problem: "p", Resolution: "r",
			Confidence: 0.5, CreatedAt: time.Now(), UpdatedAt: time.Now(),
			Embedding: []float32{1, 0, 0},
		}
		require.NoError(t, s.Save(ctx, l))

		got, ok, err := s.Get(ctx, "l1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "p", got.Problem)
	})

	t.Run("get of unknown id returns absent", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		_, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("list orders by created_at descending and respects limit", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		base := time.Now().Add(-time.Hour)
		for i, id := range []string{"a", "b", "c"} {
			l := lesson.Lesson{
				ID: id, Problem: "p", Resolution: "r", Confidence: 0.5,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
				UpdatedAt: base.Add(time.Duration(i) * time.Minute),
				Embedding: []float32{1, 0},
			}
			require.NoError(t, s.Save(ctx, l))
		}

		out, err := s.List(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, out, 2)
		require.Equal(t, "c", out[0].ID)
		require.Equal(t, "b", out[1].ID)
	})

	t.Run("update unknown id returns false", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		ok, err := s.Update(ctx, lesson.Lesson{ID: "ghost", Confidence: 0.5})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("upvote and downvote increment and report not found", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		l := lesson.Lesson{
			ID: "v1", Problem: "p", Resolution: "r", Confidence: 0.5,
			CreatedAt: time.Now(), UpdatedAt: time.Now(), Embedding: []float32{1, 0},
		}
		require.NoError(t, s.Save(ctx, l))

		require.NoError(t, s.Upvote(ctx, "v1"))

		got, _, err := s.Get(ctx, "v1")
		require.NoError(t, err)
		require.Equal(t, 1, got.Upvotes)

		err = s.Downvote(ctx, "nope")
		require.Error(t, err)
	})

	t.Run("delete removes and reports existence", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		l := lesson.Lesson{
			ID: "d1", Problem: "p", Resolution: "r", Confidence: 0.5,
			CreatedAt: time.Now(), UpdatedAt: time.Now(), Embedding: []float32{1, 0},
		}
		require.NoError(t, s.Save(ctx, l))

		ok, err := s.Delete(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Delete(ctx, "d1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("search excludes expired lessons", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		past := time.Now().Add(-time.Hour)
		l := lesson.Lesson{
			ID: "exp1", Problem: "p", Resolution: "r", Confidence: 0.9,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
			ExpiresAt: &past, Embedding: []float32{1, 0},
		}
		require.NoError(t, s.Save(ctx, l))

		out, err := s.Search(ctx, []float32{1, 0}, SearchFilter{Limit: 10})
		require.NoError(t, err)
		for _, r := range out {
			require.NotEqual(t, "exp1", r.Lesson.ID)
		}
	})

	t.Run("search applies all-of tag filter", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		now := time.Now()
		a := lesson.Lesson{
			ID: "tagA", Problem: "p", Resolution: "r", Confidence: 0.8,
			Tags: []string{"go", "db"}, CreatedAt: now, UpdatedAt: now,
			Embedding: []float32{1, 0},
		}
		b := lesson.Lesson{
			ID: "tagB", Problem: "p", Resolution: "r", Confidence: 0.8,
			Tags: []string{"go"}, CreatedAt: now, UpdatedAt: now,
			Embedding: []float32{1, 0},
		}
		require.NoError(t, s.Save(ctx, a))
		require.NoError(t, s.Save(ctx, b))

		out, err := s.Search(ctx, []float32{1, 0}, SearchFilter{Tags: []string{"go", "db"}, Limit: 10})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, "tagA", out[0].Lesson.ID)
	})

	t.Run("search orders by score descending", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		now := time.Now()
		weak := lesson.Lesson{
			ID: "weak", Problem: "p", Resolution: "r", Confidence: 0.5,
			CreatedAt: now, UpdatedAt: now, Embedding: []float32{0, 1},
		}
		strong := lesson.Lesson{
			ID: "strong", Problem: "p", Resolution: "r", Confidence: 0.9,
			CreatedAt: now, UpdatedAt: now, Embedding: []float32{1, 0},
		}
		require.NoError(t, s.Save(ctx, weak))
		require.NoError(t, s.Save(ctx, strong))

		out, err := s.Search(ctx, []float32{1, 0}, SearchFilter{Limit: 10})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(out), 2)
		require.Equal(t, "strong", out[0].Lesson.ID)
		for i := 1; i < len(out); i++ {
			require.LessOrEqual(t, out[i].Score, out[i-1].Score)
		}
	})
}
