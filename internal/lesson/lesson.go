// Package lesson defines the core Lesson record shared by every Store
// implementation and the Lore façade.
package lesson

import "time"

// Lesson is a single unit of operational knowledge: a problem/resolution
// pair plus the metadata the retrieval engine ranks on.
type Lesson struct {
	ID         string         `json:"id"`
	Problem    string         `json:"problem"`
	Resolution string         `json:"resolution"`
	Context    string         `json:"context,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source,omitempty"`
	Project    string         `json:"project,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Upvotes    int            `json:"upvotes"`
	Downvotes  int            `json:"downvotes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Scored pairs a Lesson with the score the Scorer assigned it in a
// particular query, plus the raw cosine distance for diagnostics.
type Scored struct {
	Lesson Lesson  `json:"lesson"`
	Score  float64 `json:"score"`
}

// Expired reports whether the lesson is past its expiry as of now.
func (l Lesson) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// HasAllTags reports whether l.Tags is a superset of required (the
// all-of tag filter semantics fixed by spec §9 Open Question (b)).
func (l Lesson) HasAllTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(l.Tags))
	for _, t := range l.Tags {
		have[t] = true
	}
	for _, t := range required {
		if !have[t] {
			return false
		}
	}
	return true
}

// NormalizeTags de-duplicates tags, coalescing insertion order as
// required by the data model (§3: "insertion order irrelevant, duplicates
// coalesce").
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Clone deep-copies a Lesson so Memory-store callers cannot observe
// mutations through retained references (§4.3.1).
func (l Lesson) Clone() Lesson {
	c := l
	if l.Tags != nil {
		c.Tags = append([]string(nil), l.Tags...)
	}
	if l.Embedding != nil {
		c.Embedding = append([]float32(nil), l.Embedding...)
	}
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	if l.Meta != nil {
		m := make(map[string]any, len(l.Meta))
		for k, v := range l.Meta {
			m[k] = v
		}
		c.Meta = m
	}
	return c
}
