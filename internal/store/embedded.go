package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sgx-labs/lore/internal/lesson"
	"github.com/sgx-labs/lore/internal/loreerr"
	"github.com/sgx-labs/lore/internal/scoring"
)

func init() {
	sqlite_vec.Auto()
}

// Embedded is a single-file SQLite + sqlite-vec Store. Embeddings are
// persisted as little-endian IEEE-754 float32 blobs, the same wire shape
// the Remote client serializes for network transport, and mirrored into
// a vec0 virtual table so the KNN index stays available for future
// reindex tooling even though Search itself ranks in application code
// per the hybrid-retrieval contract (§4.3.2).
type Embedded struct {
	conn          *sql.DB
	mu            sync.Mutex // serializes writes, matching the teacher's single-writer discipline
	dims          int
	halfLifeDays  float64
	embedProvider string
	embedModel    string
	log           *zap.Logger
	now           func() time.Time
}

// OpenEmbedded opens or creates the database at path (":memory:" for an
// ephemeral store). dims is the embedding vector width used to size the
// vec0 virtual table; halfLifeDays is forwarded to the Scorer.
// embedProvider/embedModel identify the embedding function the caller
// configured; they are compared against whatever was recorded at the
// previous publish (§4.6) and, on first use, are what subsequent
// publishes stamp into schema_meta.
func OpenEmbedded(path string, dims int, halfLifeDays float64, embedProvider, embedModel string, log *zap.Logger) (*Embedded, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if halfLifeDays <= 0 {
		halfLifeDays = scoring.DefaultHalfLifeDays
	}
	if dims <= 0 {
		dims = 1
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, loreerr.Wrap(loreerr.KindConnection, fmt.Errorf("create data dir: %w", err))
		}
		path = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, loreerr.Wrap(loreerr.KindConnection, fmt.Errorf("open db: %w", err))
	}

	var vecVersion string
	if err := conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		conn.Close()
		return nil, loreerr.Wrap(loreerr.KindConnection, fmt.Errorf("sqlite-vec not available: %w", err))
	}
	log.Debug("sqlite-vec loaded", zap.String("version", vecVersion))

	e := &Embedded{
		conn: conn, dims: dims, halfLifeDays: halfLifeDays,
		embedProvider: embedProvider, embedModel: embedModel,
		log: log, now: time.Now,
	}
	if err := e.migrate(); err != nil {
		conn.Close()
		return nil, loreerr.Wrap(loreerr.KindIntegrity, fmt.Errorf("migrate: %w", err))
	}
	if err := e.CheckEmbeddingMeta(embedProvider, embedModel, dims); err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

func (e *Embedded) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lessons (
			id TEXT PRIMARY KEY,
			problem TEXT NOT NULL,
			resolution TEXT NOT NULL,
			context TEXT DEFAULT '',
			tags TEXT DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0.5,
			source TEXT DEFAULT '',
			project TEXT DEFAULT '',
			embedding BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER,
			upvotes INTEGER NOT NULL DEFAULT 0,
			downvotes INTEGER NOT NULL DEFAULT 0,
			meta TEXT DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_project ON lessons(project)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_created_at ON lessons(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_tags ON lessons(tags)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS lessons_vec USING vec0(
			lesson_rowid TEXT PRIMARY KEY,
			embedding float[%d]
		)`, e.dims),
	}
	for _, s := range stmts {
		if _, err := e.conn.Exec(s); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, s)
		}
	}
	return nil
}

// GetMeta reads a value from schema_meta.
func (e *Embedded) GetMeta(key string) (string, bool) {
	var v string
	if err := e.conn.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&v); err != nil {
		return "", false
	}
	return v, true
}

// SetMeta upserts a value in schema_meta.
func (e *Embedded) SetMeta(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// SetEmbeddingMeta records the embedding provider/model/dims active as of
// the most recent publish, per §4.6's reindex-compatibility gate.
func (e *Embedded) SetEmbeddingMeta(provider, model string, dims int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := setEmbeddingMetaTx(tx, provider, model, dims); err != nil {
		return err
	}
	return tx.Commit()
}

// setEmbeddingMetaTx upserts schema_meta within an already-open
// transaction; callers that already hold e.mu (Save) use this instead of
// SetEmbeddingMeta to avoid relocking it.
func setEmbeddingMetaTx(tx *sql.Tx, provider, model string, dims int) error {
	for _, kv := range [][2]string{
		{"embed_provider", provider},
		{"embed_model", model},
		{"embed_dims", strconv.Itoa(dims)},
	} {
		if _, err := tx.Exec(
			`INSERT INTO schema_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			kv[0], kv[1],
		); err != nil {
			return err
		}
	}
	return nil
}

// CheckEmbeddingMeta reports a KindIntegrity error if provider/model/dims
// differ from what was recorded at the last publish. No stored metadata
// (pre-migration database, or first use) is always compatible.
func (e *Embedded) CheckEmbeddingMeta(provider, model string, dims int) error {
	storedProvider, hasProvider := e.GetMeta("embed_provider")
	storedModel, hasModel := e.GetMeta("embed_model")
	storedDimsStr, hasDims := e.GetMeta("embed_dims")
	if !hasProvider && !hasModel && !hasDims {
		return nil
	}
	storedDims, _ := strconv.Atoi(storedDimsStr)
	if hasDims && dims > 0 && storedDims > 0 && storedDims != dims {
		return loreerr.Integrityf(nil, "embedding dimensions changed from %d to %d", storedDims, dims)
	}
	if hasProvider && hasModel && (storedProvider != provider || storedModel != model) {
		return loreerr.Integrityf(nil, "embedding model changed from %s/%s to %s/%s", storedProvider, storedModel, provider, model)
	}
	return nil
}

func (e *Embedded) Save(ctx context.Context, l lesson.Lesson) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tagsJSON, err := json.Marshal(lesson.NormalizeTags(l.Tags))
	if err != nil {
		return loreerr.Wrap(loreerr.KindValidation, err)
	}
	metaJSON, err := json.Marshal(l.Meta)
	if err != nil {
		return loreerr.Wrap(loreerr.KindValidation, err)
	}
	blob := encodeEmbedding(l.Embedding)

	var expiresAt any
	if l.ExpiresAt != nil {
		expiresAt = l.ExpiresAt.UnixMilli()
	}

	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lessons (id, problem, resolution, context, tags, confidence, source, project,
			embedding, created_at, updated_at, expires_at, upvotes, downvotes, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			problem=excluded.problem, resolution=excluded.resolution, context=excluded.context,
			tags=excluded.tags, confidence=excluded.confidence, source=excluded.source,
			project=excluded.project, embedding=excluded.embedding, updated_at=excluded.updated_at,
			expires_at=excluded.expires_at, upvotes=excluded.upvotes, downvotes=excluded.downvotes,
			meta=excluded.meta`,
		l.ID, l.Problem, l.Resolution, l.Context, string(tagsJSON), l.Confidence, l.Source, l.Project,
		blob, l.CreatedAt.UnixMilli(), l.UpdatedAt.UnixMilli(), expiresAt, l.Upvotes, l.Downvotes, string(metaJSON),
	)
	if err != nil {
		return loreerr.Wrap(loreerr.KindConnection, fmt.Errorf("save lesson: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lessons_vec WHERE lesson_rowid = ?`, l.ID); err != nil {
		e.log.Warn("vec index cleanup failed", zap.String("id", l.ID), zap.Error(err))
	}
	if len(l.Embedding) == e.dims {
		vecData, serErr := sqlite_vec.SerializeFloat32(l.Embedding)
		if serErr != nil {
			e.log.Warn("vec serialize failed", zap.String("id", l.ID), zap.Error(serErr))
		} else if _, err := tx.ExecContext(ctx,
			`INSERT INTO lessons_vec (lesson_rowid, embedding) VALUES (?, ?)`,
			l.ID, vecData,
		); err != nil {
			e.log.Warn("vec index insert failed", zap.String("id", l.ID), zap.Error(err))
		}
	}

	if err := setEmbeddingMetaTx(tx, e.embedProvider, e.embedModel, e.dims); err != nil {
		e.log.Warn("embedding meta stamp failed", zap.String("id", l.ID), zap.Error(err))
	}

	if err := tx.Commit(); err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}
	return nil
}

func (e *Embedded) Get(ctx context.Context, id string) (lesson.Lesson, bool, error) {
	row := e.conn.QueryRowContext(ctx, lessonSelectColumns+` FROM lessons WHERE id = ?`, id)
	l, err := scanLesson(row)
	if err == sql.ErrNoRows {
		return lesson.Lesson{}, false, nil
	}
	if err != nil {
		return lesson.Lesson{}, false, loreerr.Wrap(loreerr.KindConnection, err)
	}
	return l, true, nil
}

func (e *Embedded) List(ctx context.Context, filter ListFilter) ([]lesson.Lesson, error) {
	query := lessonSelectColumns + ` FROM lessons`
	args := []any{}
	if filter.Project != "" {
		query += ` WHERE project = ?`
		args = append(args, filter.Project)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loreerr.Wrap(loreerr.KindConnection, err)
	}
	defer rows.Close()

	var out []lesson.Lesson
	for rows.Next() {
		l, err := scanLessonRows(rows)
		if err != nil {
			return nil, loreerr.Wrap(loreerr.KindConnection, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (e *Embedded) Update(ctx context.Context, l lesson.Lesson) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tagsJSON, _ := json.Marshal(lesson.NormalizeTags(l.Tags))
	metaJSON, _ := json.Marshal(l.Meta)

	res, err := e.conn.ExecContext(ctx, `
		UPDATE lessons SET confidence = ?, tags = ?, meta = ?, updated_at = ?
		WHERE id = ?`,
		l.Confidence, string(tagsJSON), string(metaJSON), l.UpdatedAt.UnixMilli(), l.ID,
	)
	if err != nil {
		return false, loreerr.Wrap(loreerr.KindConnection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, loreerr.Wrap(loreerr.KindConnection, err)
	}
	return n > 0, nil
}

func (e *Embedded) Upvote(ctx context.Context, id string) error {
	return e.vote(ctx, id, "upvotes")
}

func (e *Embedded) Downvote(ctx context.Context, id string) error {
	return e.vote(ctx, id, "downvotes")
}

// vote performs a single atomic SQL increment, the transactional shape
// the spec requires local stores prefer where the backing database
// supports it (§5).
func (e *Embedded) vote(ctx context.Context, id, column string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	query := fmt.Sprintf(`UPDATE lessons SET %s = %s + 1, updated_at = ? WHERE id = ?`, column, column)
	res, err := e.conn.ExecContext(ctx, query, e.now().UnixMilli(), id)
	if err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}
	if n == 0 {
		return loreerr.NotFoundf("lesson %q not found", id)
	}
	return nil
}

func (e *Embedded) Delete(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.conn.ExecContext(ctx, `DELETE FROM lessons WHERE id = ?`, id)
	if err != nil {
		return false, loreerr.Wrap(loreerr.KindConnection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, loreerr.Wrap(loreerr.KindConnection, err)
	}
	if n > 0 {
		if _, err := e.conn.ExecContext(ctx, `DELETE FROM lessons_vec WHERE lesson_rowid = ?`, id); err != nil {
			e.log.Warn("vec index delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	return n > 0, nil
}

// Search implements the hybrid retrieval contract of §4.3.2: SQL filter
// by project/tags/min-confidence/expiry, load the surviving candidates'
// vectors, score in application code, then take the top-k.
func (e *Embedded) Search(ctx context.Context, queryVec []float32, filter SearchFilter) ([]lesson.Scored, error) {
	query := lessonSelectColumns + ` FROM lessons WHERE confidence >= ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{filter.MinConfidence, e.now().UnixMilli()}
	if filter.Project != "" {
		query += ` AND project = ?`
		args = append(args, filter.Project)
	}

	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loreerr.Wrap(loreerr.KindConnection, err)
	}
	defer rows.Close()

	now := e.now()
	var scored []lesson.Scored
	for rows.Next() {
		l, err := scanLessonRows(rows)
		if err != nil {
			return nil, loreerr.Wrap(loreerr.KindConnection, err)
		}
		if !l.HasAllTags(filter.Tags) {
			continue
		}
		var cos float64
		if len(l.Embedding) == len(queryVec) {
			cos = scoring.Cosine(queryVec, l.Embedding)
		}
		ageDays := now.Sub(l.UpdatedAt).Hours() / 24
		score := scoring.FinalScore(cos, l.Confidence, ageDays, l.Upvotes, l.Downvotes, e.halfLifeDays)
		scored = append(scored, lesson.Scored{Lesson: l, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, loreerr.Wrap(loreerr.KindConnection, err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Lesson.CreatedAt.Equal(scored[j].Lesson.CreatedAt) {
			return scored[i].Lesson.CreatedAt.After(scored[j].Lesson.CreatedAt)
		}
		return scored[i].Lesson.ID > scored[j].Lesson.ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (e *Embedded) Close() error {
	return e.conn.Close()
}

const lessonSelectColumns = `SELECT id, problem, resolution, context, tags, confidence, source, project,
	embedding, created_at, updated_at, expires_at, upvotes, downvotes, meta`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLesson(row *sql.Row) (lesson.Lesson, error) {
	return scanGeneric(row)
}

func scanLessonRows(rows *sql.Rows) (lesson.Lesson, error) {
	return scanGeneric(rows)
}

func scanGeneric(s rowScanner) (lesson.Lesson, error) {
	var (
		l                    lesson.Lesson
		tagsJSON, metaJSON   string
		embeddingBlob        []byte
		createdAt, updatedAt int64
		expiresAt            sql.NullInt64
	)
	if err := s.Scan(
		&l.ID, &l.Problem, &l.Resolution, &l.Context, &tagsJSON, &l.Confidence, &l.Source, &l.Project,
		&embeddingBlob, &createdAt, &updatedAt, &expiresAt, &l.Upvotes, &l.Downvotes, &metaJSON,
	); err != nil {
		return lesson.Lesson{}, err
	}

	_ = json.Unmarshal([]byte(tagsJSON), &l.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &l.Meta)
	l.Embedding = decodeEmbedding(embeddingBlob)
	l.CreatedAt = time.UnixMilli(createdAt).UTC()
	l.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		l.ExpiresAt = &t
	}
	return l, nil
}

// encodeEmbedding serializes a vector as little-endian float32 bytes,
// the wire shape the Remote client also produces (§4.3.2).
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
