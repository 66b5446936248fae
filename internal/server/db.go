package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
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

// apiKeyPrefix marks every secret Lore mints, per §6's key format.
const apiKeyPrefix = "lore_sk_"

// db is the server's relational backing store: orgs, api keys, and
// org-scoped lessons, all in one SQLite file with sqlite-vec available
// for future KNN tooling. It is distinct from internal/store.Embedded
// because it carries the multi-tenant org/key schema the embedded
// single-agent store has no use for.
type db struct {
	conn   *sql.DB
	mu     sync.Mutex
	dims   int
	lambda float64
	log    *zap.Logger
	now    func() time.Time
}

func openDB(path string, dims int, lambda float64, log *zap.Logger) (*db, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if lambda <= 0 {
		lambda = scoring.DefaultServerLambda
	}
	if dims <= 0 {
		dims = 1
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	var vecVersion string
	if err := conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}

	d := &db{conn: conn, dims: dims, lambda: lambda, log: log, now: time.Now}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *db) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orgs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			prefix TEXT NOT NULL,
			project TEXT DEFAULT '',
			is_root INTEGER NOT NULL DEFAULT 0,
			revoked_at INTEGER,
			last_used_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(org_id)`,
		`CREATE TABLE IF NOT EXISTS lessons (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
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
		`CREATE INDEX IF NOT EXISTS idx_lessons_org ON lessons(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_org_project ON lessons(org_id, project)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_created_at ON lessons(created_at DESC)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS lessons_vec USING vec0(
			lesson_rowid TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, d.dims),
	}
	for _, s := range stmts {
		if _, err := d.conn.Exec(s); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, s)
		}
	}
	return nil
}

func (d *db) Close() error { return d.conn.Close() }

// --- org / key management ---

func (d *db) orgExists(ctx context.Context) (bool, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM orgs`).Scan(&n)
	return n > 0, err
}

// createOrgWithRootKey seeds a brand-new org and mints its first root
// key, returning the plaintext secret (shown exactly once, per §6).
func (d *db) createOrgWithRootKey(ctx context.Context, orgID, orgName, keyName string) (secret string, keyID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	now := d.now().Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO orgs (id, name, created_at) VALUES (?, ?, ?)`, orgID, orgName, now); err != nil {
		return "", "", err
	}

	secret, hash, prefix, err := generateAPIKey()
	if err != nil {
		return "", "", err
	}
	keyID = "key_" + hex.EncodeToString(randomBytes(8))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, org_id, name, key_hash, prefix, project, is_root, created_at)
		VALUES (?, ?, ?, ?, ?, '', 1, ?)`,
		keyID, orgID, keyName, hash, prefix, now,
	); err != nil {
		return "", "", err
	}

	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return secret, keyID, nil
}

type apiKeyRecord struct {
	ID        string
	OrgID     string
	Name      string
	Prefix    string
	Project   string
	IsRoot    bool
	RevokedAt *time.Time
	LastUsed  *time.Time
	CreatedAt time.Time
}

func generateAPIKey() (secret, hash, prefix string, err error) {
	raw := randomBytes(16)
	secret = apiKeyPrefix + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(secret))
	hash = hex.EncodeToString(sum[:])
	prefix = secret[:len(apiKeyPrefix)+4]
	return secret, hash, prefix, nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform CSPRNG is broken; a
		// zero-filled key is safer to reject downstream than to return
		// silently, so callers get a visibly wrong, never-matching hash.
		return make([]byte, n)
	}
	return b
}

func (d *db) createKey(ctx context.Context, orgID, name, project string) (secret, keyID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	secret, hash, prefix, err := generateAPIKey()
	if err != nil {
		return "", "", err
	}
	keyID = "key_" + hex.EncodeToString(randomBytes(8))
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO api_keys (id, org_id, name, key_hash, prefix, project, is_root, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		keyID, orgID, name, hash, prefix, project, d.now().Unix(),
	)
	return secret, keyID, err
}

func (d *db) lookupKeyByHash(ctx context.Context, hash string) (apiKeyRecord, bool, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, org_id, name, prefix, project, is_root, revoked_at, last_used_at, created_at
		FROM api_keys WHERE key_hash = ?`, hash)

	var (
		rec                          apiKeyRecord
		isRoot                       int
		revokedAt, lastUsed, created sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.Prefix, &rec.Project, &isRoot, &revokedAt, &lastUsed, &created)
	if err == sql.ErrNoRows {
		return apiKeyRecord{}, false, nil
	}
	if err != nil {
		return apiKeyRecord{}, false, err
	}
	rec.IsRoot = isRoot != 0
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0)
		rec.RevokedAt = &t
	}
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		rec.LastUsed = &t
	}
	rec.CreatedAt = time.Unix(created.Int64, 0)
	return rec, true, nil
}

func (d *db) touchKeyLastUsed(ctx context.Context, keyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.conn.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, d.now().Unix(), keyID)
}

func (d *db) listKeys(ctx context.Context, orgID string) ([]apiKeyRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, org_id, name, prefix, project, is_root, revoked_at, last_used_at, created_at
		FROM api_keys WHERE org_id = ? ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []apiKeyRecord
	for rows.Next() {
		var (
			rec                          apiKeyRecord
			isRoot                       int
			revokedAt, lastUsed, created sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.Prefix, &rec.Project, &isRoot, &revokedAt, &lastUsed, &created); err != nil {
			return nil, err
		}
		rec.IsRoot = isRoot != 0
		if revokedAt.Valid {
			t := time.Unix(revokedAt.Int64, 0)
			rec.RevokedAt = &t
		}
		if lastUsed.Valid {
			t := time.Unix(lastUsed.Int64, 0)
			rec.LastUsed = &t
		}
		rec.CreatedAt = time.Unix(created.Int64, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// revokeKey sets revoked_at, refusing to revoke the last active root key
// in the org (§6).
func (d *db) revokeKey(ctx context.Context, orgID, keyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var isRoot int
	var revokedAt sql.NullInt64
	err := d.conn.QueryRowContext(ctx, `SELECT is_root, revoked_at FROM api_keys WHERE id = ? AND org_id = ?`, keyID, orgID).Scan(&isRoot, &revokedAt)
	if err == sql.ErrNoRows {
		return loreerr.NotFoundf("key %q not found", keyID)
	}
	if err != nil {
		return err
	}
	if isRoot != 0 && !revokedAt.Valid {
		var activeRoots int
		if err := d.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM api_keys WHERE org_id = ? AND is_root = 1 AND revoked_at IS NULL`,
			orgID,
		).Scan(&activeRoots); err != nil {
			return err
		}
		if activeRoots <= 1 {
			return loreerr.Validationf("cannot revoke the last root key in an org")
		}
	}

	_, err = d.conn.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ?`, d.now().Unix(), keyID)
	return err
}

// --- lessons ---

const lessonCols = `id, problem, resolution, context, tags, confidence, source, project,
	embedding, created_at, updated_at, expires_at, upvotes, downvotes, meta`

func (d *db) saveLesson(ctx context.Context, orgID string, l lesson.Lesson) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tagsJSON, err := json.Marshal(lesson.NormalizeTags(l.Tags))
	if err != nil {
		return loreerr.Wrap(loreerr.KindValidation, err)
	}
	metaJSON, err := json.Marshal(l.Meta)
	if err != nil {
		return loreerr.Wrap(loreerr.KindValidation, err)
	}
	var expiresAt any
	if l.ExpiresAt != nil {
		expiresAt = l.ExpiresAt.UnixMilli()
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO lessons (%s, org_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			problem=excluded.problem, resolution=excluded.resolution, context=excluded.context,
			tags=excluded.tags, confidence=excluded.confidence, source=excluded.source,
			project=excluded.project, embedding=excluded.embedding, updated_at=excluded.updated_at,
			expires_at=excluded.expires_at, upvotes=excluded.upvotes, downvotes=excluded.downvotes,
			meta=excluded.meta
		WHERE lessons.org_id = excluded.org_id`, lessonCols),
		l.ID, l.Problem, l.Resolution, l.Context, string(tagsJSON), l.Confidence, l.Source, l.Project,
		encodeEmbedding(l.Embedding), l.CreatedAt.UnixMilli(), l.UpdatedAt.UnixMilli(), expiresAt,
		l.Upvotes, l.Downvotes, string(metaJSON), orgID,
	)
	if err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lessons_vec WHERE lesson_rowid = ?`, l.ID); err != nil {
		d.log.Warn("vec index cleanup failed", zap.String("id", l.ID), zap.Error(err))
	}
	if len(l.Embedding) == d.dims {
		vecData, serErr := sqlite_vec.SerializeFloat32(l.Embedding)
		if serErr != nil {
			d.log.Warn("vec serialize failed", zap.String("id", l.ID), zap.Error(serErr))
		} else if _, err := tx.ExecContext(ctx,
			`INSERT INTO lessons_vec (lesson_rowid, embedding) VALUES (?, ?)`,
			l.ID, vecData,
		); err != nil {
			d.log.Warn("vec index insert failed", zap.String("id", l.ID), zap.Error(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return loreerr.Wrap(loreerr.KindConnection, err)
	}
	return nil
}

func (d *db) getLesson(ctx context.Context, orgID, project, id string) (lesson.Lesson, bool, error) {
	query := `SELECT ` + lessonCols + ` FROM lessons WHERE id = ? AND org_id = ?`
	args := []any{id, orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	row := d.conn.QueryRowContext(ctx, query, args...)
	l, err := scanLessonRow(row)
	if err == sql.ErrNoRows {
		return lesson.Lesson{}, false, nil
	}
	if err != nil {
		return lesson.Lesson{}, false, err
	}
	return l, true, nil
}

func (d *db) listLessons(ctx context.Context, orgID, project string, limit, offset int) ([]lesson.Lesson, error) {
	query := `SELECT ` + lessonCols + ` FROM lessons WHERE org_id = ?`
	args := []any{orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lesson.Lesson
	for rows.Next() {
		l, err := scanLessonRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (d *db) updateLesson(ctx context.Context, orgID, project string, l lesson.Lesson) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tagsJSON, _ := json.Marshal(lesson.NormalizeTags(l.Tags))
	metaJSON, _ := json.Marshal(l.Meta)

	query := `UPDATE lessons SET confidence = ?, tags = ?, meta = ?, updated_at = ? WHERE id = ? AND org_id = ?`
	args := []any{l.Confidence, string(tagsJSON), string(metaJSON), l.UpdatedAt.UnixMilli(), l.ID, orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// voteLesson applies the server's required single atomic SQL increment,
// scoped so a project-bound key cannot vote outside its project (§4.3.4, I5).
func (d *db) voteLesson(ctx context.Context, orgID, project, id, column string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := fmt.Sprintf(`UPDATE lessons SET %s = %s + 1, updated_at = ? WHERE id = ? AND org_id = ?`, column, column)
	args := []any{d.now().UnixMilli(), id, orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loreerr.NotFoundf("lesson %q not found", id)
	}
	return nil
}

func (d *db) deleteLesson(ctx context.Context, orgID, project, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `DELETE FROM lessons WHERE id = ? AND org_id = ?`
	args := []any{id, orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		if _, err := d.conn.ExecContext(ctx, `DELETE FROM lessons_vec WHERE lesson_rowid = ?`, id); err != nil {
			d.log.Warn("vec index delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	return n > 0, nil
}

// vecSearchCols mirrors lessonCols, qualified for the join against
// lessons_vec, plus org_id so searchLessons can apply org scoping after
// the KNN scan (vec0 has no notion of a tenant partition).
const vecSearchCols = `l.org_id, l.id, l.problem, l.resolution, l.context, l.tags, l.confidence, l.source, l.project,
	l.embedding, l.created_at, l.updated_at, l.expires_at, l.upvotes, l.downvotes, l.meta`

// searchLessons implements the ranking SQL shape of §4.3.4: a native
// vec0 KNN scan over lessons_vec (distance_metric=cosine) joined back to
// lessons, the same MATCH/k/ORDER BY v.distance idiom the teacher's
// internal/store/search.go uses for vault_notes_vec, over-fetched the
// way the teacher over-fetches before its own post-filtering. Confidence,
// expiry, project, org and tag filters are then applied in application
// code, and the final rank is cosine * confidence * exp(-lambda*age).
func (d *db) searchLessons(ctx context.Context, orgID, project string, queryVec []float32, tags []string, minConfidence float64, limit int) ([]lesson.Scored, error) {
	if limit <= 0 {
		limit = 5
	}
	if len(queryVec) != d.dims {
		return nil, loreerr.Validationf("query embedding has dimension %d, expected %d", len(queryVec), d.dims)
	}
	vecData, err := sqlite_vec.SerializeFloat32(queryVec)
	if err != nil {
		return nil, loreerr.Wrap(loreerr.KindValidation, err)
	}

	fetchK := limit * 5
	if fetchK < 50 {
		fetchK = 50
	}

	rows, err := d.conn.QueryContext(ctx, `
		SELECT v.distance, `+vecSearchCols+`
		FROM lessons_vec v
		JOIN lessons l ON l.id = v.lesson_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		vecData, fetchK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := d.now()
	var scored []lesson.Scored
	for rows.Next() {
		distance, rowOrgID, l, err := scanVecSearchRow(rows)
		if err != nil {
			return nil, err
		}
		if rowOrgID != orgID {
			continue
		}
		if project != "" && l.Project != project {
			continue
		}
		if l.Confidence < minConfidence {
			continue
		}
		if l.ExpiresAt != nil && !l.ExpiresAt.After(now) {
			continue
		}
		if !l.HasAllTags(tags) {
			continue
		}
		// v.distance is cosine distance (1 - cosine similarity), per the
		// lessons_vec column's distance_metric=cosine constraint.
		cos := 1 - distance
		ageDays := now.Sub(l.UpdatedAt).Hours() / 24
		score := scoring.ServerScore(cos, l.Confidence, ageDays, d.lambda)
		scored = append(scored, lesson.Scored{Lesson: l, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func scanVecSearchRow(rows *sql.Rows) (distance float64, orgID string, l lesson.Lesson, err error) {
	var (
		tagsJSON, metaJSON   string
		embeddingBlob        []byte
		createdAt, updatedAt int64
		expiresAt            sql.NullInt64
	)
	if err = rows.Scan(
		&distance, &orgID,
		&l.ID, &l.Problem, &l.Resolution, &l.Context, &tagsJSON, &l.Confidence, &l.Source, &l.Project,
		&embeddingBlob, &createdAt, &updatedAt, &expiresAt, &l.Upvotes, &l.Downvotes, &metaJSON,
	); err != nil {
		return 0, "", lesson.Lesson{}, err
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
	return distance, orgID, l, nil
}

func (d *db) exportLessons(ctx context.Context, orgID, project string) ([]lesson.Lesson, error) {
	return d.listLessons(ctx, orgID, project, 1_000_000, 0)
}

// importLessons inserts lessons whose id is not already present in this
// org, skipping the rest with no merging of conflicting fields, and
// reports how many were actually inserted (§4.4).
func (d *db) importLessons(ctx context.Context, orgID string, ls []lesson.Lesson) (int, error) {
	inserted := 0
	for _, l := range ls {
		_, exists, err := d.getLesson(ctx, orgID, "", l.ID)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}
		if err := d.saveLesson(ctx, orgID, l); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLessonRow(s rowScanner) (lesson.Lesson, error) {
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
