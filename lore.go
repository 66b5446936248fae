// Package lore is the cross-agent memory façade: it composes an
// embedding function, an optional Redactor, the Scorer, and a chosen
// Store behind the Publish/Query/Upvote/Downvote contract of spec §4.4.
package lore

import (
	"context"
	"fmt"
	"time"

	"github.com/mdombrov-33/go-promptguard/detector"

	"github.com/sgx-labs/lore/internal/idgen"
	"github.com/sgx-labs/lore/internal/lesson"
	"github.com/sgx-labs/lore/internal/loreerr"
	"github.com/sgx-labs/lore/internal/redact"
	"github.com/sgx-labs/lore/internal/remote"
	"github.com/sgx-labs/lore/internal/scoring"
	"github.com/sgx-labs/lore/internal/store"
)

// Lesson and Scored are re-exported so callers never need to import an
// internal package directly.
type Lesson = lesson.Lesson
type Scored = lesson.Scored

// EmbeddingFunc vectorizes text. Lore never ships an embedding model
// itself (out of scope); callers supply one, local or remote.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// Lore composes the pieces spec §4.4 names: one embedding function, one
// redactor (or none), one Scorer, and one Store.
type Lore struct {
	project      string
	store        store.Store
	embed        EmbeddingFunc
	redactor     *redact.Redactor
	halfLifeDays float64
	guard        *detector.Detector
}

// Config holds the options New accepts. Fields left zero take the
// documented defaults.
type Config struct {
	// Project scopes every lesson this Lore instance publishes and the
	// default scope for Query/List unless overridden per-call.
	Project string

	// EmbeddingFn is required by Query (Publish tolerates its absence
	// only if every Lesson carries a precomputed embedding, which this
	// façade does not support — callers must supply one).
	EmbeddingFn EmbeddingFunc

	// Store selects the backend. Exactly one of the following applies:
	StoreKind StoreKind
	DBPath    string // Embedded
	Dims      int    // Embedded: vec0 table width

	// EmbeddingProvider/EmbeddingModel identify EmbeddingFn for the
	// Embedded store's §4.6 reindex-compatibility gate. Leaving both
	// empty is fine as long as it's done consistently — the gate compares
	// against whatever was recorded at the previous publish, not against
	// a fixed value.
	EmbeddingProvider string
	EmbeddingModel    string

	RemoteURL    string // Remote
	RemoteAPIKey string // Remote

	// Redact enables the built-in redaction layers; RedactPatterns adds
	// caller-supplied custom patterns on top (always applied last).
	Redact         bool
	RedactPatterns []redact.Pattern

	// DecayHalfLifeDays overrides the Scorer's default (30 days).
	DecayHalfLifeDays float64
}

// StoreKind selects which Store backend New constructs.
type StoreKind int

const (
	StoreMemory StoreKind = iota
	StoreEmbedded
	StoreRemote
)

// New builds a Lore façade per cfg.
func New(cfg Config) (*Lore, error) {
	halfLife := cfg.DecayHalfLifeDays
	if halfLife <= 0 {
		halfLife = scoring.DefaultHalfLifeDays
	}

	var backend store.Store
	var err error
	switch cfg.StoreKind {
	case StoreMemory:
		backend = store.NewMemory(halfLife)
	case StoreEmbedded:
		path := cfg.DBPath
		if path == "" {
			path = ":memory:"
		}
		backend, err = store.OpenEmbedded(path, cfg.Dims, halfLife, cfg.EmbeddingProvider, cfg.EmbeddingModel, nil)
		if err != nil {
			return nil, err
		}
	case StoreRemote:
		backend, err = remote.New(cfg.RemoteURL, cfg.RemoteAPIKey)
		if err != nil {
			return nil, err
		}
	default:
		return nil, loreerr.Validationf("unknown store kind %d", cfg.StoreKind)
	}

	var redactor *redact.Redactor
	if cfg.Redact || len(cfg.RedactPatterns) > 0 {
		redactor = redact.New(cfg.RedactPatterns...)
	}

	guard := detector.New(
		detector.WithThreshold(0.6),
		detector.WithAllDetectors(),
		detector.WithMaxInputLength(4000),
	)

	return &Lore{
		project:      cfg.Project,
		store:        backend,
		embed:        cfg.EmbeddingFn,
		redactor:     redactor,
		halfLifeDays: halfLife,
		guard:        guard,
	}, nil
}

// Close releases the backing Store's resources.
func (l *Lore) Close() error {
	return l.store.Close()
}

// PublishInput is the caller-supplied content for Publish.
type PublishInput struct {
	Problem    string
	Resolution string
	Context    string
	Tags       []string
	Confidence float64
	Source     string
	Project    string // defaults to the Lore instance's configured project
	ExpiresAt  *time.Time
	Meta       map[string]any
}

// Publish validates, redacts, embeds, and saves a new lesson, returning
// its id (§4.4 publish contract).
func (l *Lore) Publish(ctx context.Context, in PublishInput) (string, error) {
	if in.Problem == "" || in.Resolution == "" {
		return "", loreerr.Validationf("problem and resolution are required")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return "", loreerr.Validationf("confidence %v outside [0,1]", in.Confidence)
	}
	if l.embed == nil {
		return "", loreerr.Validationf("no embedding function configured")
	}

	problem, resolution, ctxText := in.Problem, in.Resolution, in.Context
	if l.redactor != nil {
		problem = l.redactor.Redact(problem)
		resolution = l.redactor.Redact(resolution)
		ctxText = l.redactor.Redact(ctxText)
	}

	embedInput := problem + " " + resolution
	if ctxText != "" {
		embedInput += " " + ctxText
	}
	vec, err := l.embed(ctx, embedInput)
	if err != nil {
		return "", loreerr.Connectionf(err, "embedding computation failed")
	}

	project := in.Project
	if project == "" {
		project = l.project
	}
	now := time.Now()
	id := idgen.New()
	les := lesson.Lesson{
		ID: id, Problem: problem, Resolution: resolution, Context: ctxText,
		Tags: lesson.NormalizeTags(in.Tags), Confidence: in.Confidence, Source: in.Source,
		Project: project, Embedding: vec, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: in.ExpiresAt, Meta: in.Meta,
	}
	if err := l.store.Save(ctx, les); err != nil {
		return "", err
	}
	return id, nil
}

// QueryInput narrows Query.
type QueryInput struct {
	Text          string
	Tags          []string
	Project       string // defaults to the Lore instance's configured project
	Limit         int
	MinConfidence float64
}

// Query embeds Text and retrieves the top-k matching lessons. A zero
// result set is not an error (§4.4 query contract).
func (l *Lore) Query(ctx context.Context, in QueryInput) ([]lesson.Scored, error) {
	if l.embed == nil {
		return nil, loreerr.Validationf("no embedding function configured")
	}
	vec, err := l.embed(ctx, in.Text)
	if err != nil {
		return nil, loreerr.Connectionf(err, "embedding computation failed")
	}

	project := in.Project
	if project == "" {
		project = l.project
	}
	return l.store.Search(ctx, vec, store.SearchFilter{
		Tags: in.Tags, Project: project, Limit: in.Limit, MinConfidence: in.MinConfidence,
	})
}

// Get fetches a single lesson by id.
func (l *Lore) Get(ctx context.Context, id string) (lesson.Lesson, bool, error) {
	return l.store.Get(ctx, id)
}

// List returns lessons newest-first, scoped to the façade's project
// unless project is explicitly given.
func (l *Lore) List(ctx context.Context, project string, limit int) ([]lesson.Lesson, error) {
	if project == "" {
		project = l.project
	}
	return l.store.List(ctx, store.ListFilter{Project: project, Limit: limit})
}

// Upvote and Downvote apply a single +1 increment (§4.4 vote contract).
// An absent lesson yields a typed not-found failure.
func (l *Lore) Upvote(ctx context.Context, id string) error {
	return l.store.Upvote(ctx, id)
}

func (l *Lore) Downvote(ctx context.Context, id string) error {
	return l.store.Downvote(ctx, id)
}

// Delete removes a lesson by id.
func (l *Lore) Delete(ctx context.Context, id string) (bool, error) {
	return l.store.Delete(ctx, id)
}

// Export returns every lesson in scope, embeddings included.
func (l *Lore) Export(ctx context.Context, project string) ([]lesson.Lesson, error) {
	if project == "" {
		project = l.project
	}
	return l.store.List(ctx, store.ListFilter{Project: project})
}

// Import inserts lessons whose id is not already present, skipping the
// rest with no merging of conflicting fields. It returns the count
// actually inserted (§4.4).
func (l *Lore) Import(ctx context.Context, lessons []lesson.Lesson) (int, error) {
	inserted := 0
	for _, les := range lessons {
		_, exists, err := l.store.Get(ctx, les.ID)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}
		if err := l.store.Save(ctx, les); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// FormatPromptFragment renders query results as a plain-text block
// suitable for splicing into a caller's prompt. Each lesson is scanned
// through go-promptguard before inclusion, the way the teacher's
// sanitizeSnippet scrubs vault-note text before surfacing it to an LLM
// (internal/hooks/text_processing.go) — a dropped entry is replaced with
// a visible placeholder rather than silently vanishing.
func (l *Lore) FormatPromptFragment(results []lesson.Scored) string {
	var out string
	for _, r := range results {
		entry := fmt.Sprintf("- problem: %s\n  resolution: %s\n", r.Lesson.Problem, r.Lesson.Resolution)
		if l.detectInjection(r.Lesson.Problem) || l.detectInjection(r.Lesson.Resolution) {
			entry = "- [content filtered for security]\n"
		}
		out += entry
	}
	return out
}

func (l *Lore) detectInjection(text string) bool {
	if text == "" || l.guard == nil {
		return false
	}
	result := l.guard.Detect(context.Background(), text)
	return !result.Safe
}
