package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sgx-labs/lore/internal/lesson"
	"github.com/sgx-labs/lore/internal/loreerr"
	"github.com/sgx-labs/lore/internal/scoring"
)

// Memory is an in-process Store backed by a mutex-guarded map. It never
// touches disk or the network; Save deep-copies on ingress and egress so
// callers cannot observe mutation through retained references (§4.3.1).
type Memory struct {
	mu           sync.Mutex
	lessons      map[string]lesson.Lesson
	halfLifeDays float64
	now          func() time.Time
}

// NewMemory builds an empty Memory store. halfLifeDays governs the time
// decay applied by Search; zero or negative falls back to
// scoring.DefaultHalfLifeDays.
func NewMemory(halfLifeDays float64) *Memory {
	if halfLifeDays <= 0 {
		halfLifeDays = scoring.DefaultHalfLifeDays
	}
	return &Memory{
		lessons:      make(map[string]lesson.Lesson),
		halfLifeDays: halfLifeDays,
		now:          time.Now,
	}
}

func (m *Memory) Save(_ context.Context, l lesson.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons[l.ID] = l.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (lesson.Lesson, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[id]
	if !ok {
		return lesson.Lesson{}, false, nil
	}
	return l.Clone(), true, nil
}

func (m *Memory) List(_ context.Context, filter ListFilter) ([]lesson.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]lesson.Lesson, 0, len(m.lessons))
	for _, l := range m.lessons {
		if filter.Project != "" && l.Project != filter.Project {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, l lesson.Lesson) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lessons[l.ID]; !ok {
		return false, nil
	}
	m.lessons[l.ID] = l.Clone()
	return true, nil
}

func (m *Memory) Upvote(ctx context.Context, id string) error {
	return m.vote(ctx, id, 1, 0)
}

func (m *Memory) Downvote(ctx context.Context, id string) error {
	return m.vote(ctx, id, 0, 1)
}

// vote implements the spec's accepted fetch-modify-save idiom for local
// stores: under concurrent calls at least one increment is preserved,
// but increments can race and be lost (§5).
func (m *Memory) vote(_ context.Context, id string, up, down int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[id]
	if !ok {
		return loreerr.NotFoundf("lesson %q not found", id)
	}
	l.Upvotes += up
	l.Downvotes += down
	l.UpdatedAt = m.now()
	m.lessons[id] = l
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lessons[id]; !ok {
		return false, nil
	}
	delete(m.lessons, id)
	return true, nil
}

func (m *Memory) Search(_ context.Context, queryVec []float32, filter SearchFilter) ([]lesson.Scored, error) {
	m.mu.Lock()
	candidates := make([]lesson.Lesson, 0, len(m.lessons))
	now := m.now()
	for _, l := range m.lessons {
		if l.Expired(now) {
			continue
		}
		if filter.Project != "" && l.Project != filter.Project {
			continue
		}
		if l.Confidence < filter.MinConfidence {
			continue
		}
		if !l.HasAllTags(filter.Tags) {
			continue
		}
		candidates = append(candidates, l.Clone())
	}
	m.mu.Unlock()

	results := make([]lesson.Scored, 0, len(candidates))
	for _, l := range candidates {
		var cos float64
		if len(l.Embedding) == len(queryVec) {
			cos = scoring.Cosine(queryVec, l.Embedding)
		}
		ageDays := now.Sub(l.UpdatedAt).Hours() / 24
		score := scoring.FinalScore(cos, l.Confidence, ageDays, l.Upvotes, l.Downvotes, m.halfLifeDays)
		results = append(results, lesson.Scored{Lesson: l, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Lesson.CreatedAt.Equal(results[j].Lesson.CreatedAt) {
			return results[i].Lesson.CreatedAt.After(results[j].Lesson.CreatedAt)
		}
		return results[i].Lesson.ID > results[j].Lesson.ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *Memory) Close() error { return nil }
