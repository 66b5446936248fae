// Package store defines the Store capability shared by every backend
// (Memory, Embedded, Remote) and the query filter types passed to
// search. Stores differ only in implementation, never in these
// semantics, mirroring how the teacher's internal/store package exposes
// one contract across its SQLite-backed tables.
package store

import (
	"context"

	"github.com/sgx-labs/lore/internal/lesson"
)

// ListFilter narrows Store.List.
type ListFilter struct {
	Project string
	Limit   int
}

// SearchFilter narrows Store.Search. Tags is an all-of (superset) filter;
// an empty Tags matches everything.
type SearchFilter struct {
	Tags          []string
	Project       string
	Limit         int
	MinConfidence float64
}

// Store is the capability every backend implements. All operations may
// block on I/O and return a typed failure from internal/loreerr.
type Store interface {
	// Save inserts or overwrites a lesson by id. Implementations must
	// durably persist the write (where persistence applies) before
	// returning success.
	Save(ctx context.Context, l lesson.Lesson) error

	// Get returns the lesson for id, or (zero, false, nil) if absent.
	Get(ctx context.Context, id string) (lesson.Lesson, bool, error)

	// List returns lessons ordered by created_at descending, trimmed to
	// filter.Limit after ordering.
	List(ctx context.Context, filter ListFilter) ([]lesson.Lesson, error)

	// Update persists the mutable fields of l (confidence, tags, vote
	// counters, meta, updated_at) and reports whether the id was known.
	Update(ctx context.Context, l lesson.Lesson) (bool, error)

	// Upvote and Downvote apply a single atomic +1 increment. An absent
	// lesson yields a typed KindNotFound failure (§7), unlike Update,
	// Get, and Delete, which report absence as a plain bool/false.
	Upvote(ctx context.Context, id string) error
	Downvote(ctx context.Context, id string) error

	// Delete removes the lesson for id and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Search performs hybrid retrieval: tag/project/min-confidence/expiry
	// filtering followed by cosine-similarity-and-decay ranking. Results
	// are ordered by score descending, ties broken by created_at
	// descending then id descending.
	Search(ctx context.Context, queryVec []float32, filter SearchFilter) ([]lesson.Scored, error)

	// Close releases backing resources. Idempotent.
	Close() error
}
