package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sgx-labs/lore/internal/idgen"
	"github.com/sgx-labs/lore/internal/lesson"
	"github.com/sgx-labs/lore/internal/loreerr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- org / key management ---

type orgInitRequest struct {
	OrgName string `json:"org_name"`
	KeyName string `json:"key_name"`
}

type orgInitResponse struct {
	OrgID  string `json:"org_id"`
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

func (s *Server) handleOrgInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exists, err := s.db.orgExists(ctx)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "org_exists", "an org already exists on this server")
		return
	}

	var req orgInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request body")
		return
	}
	if req.OrgName == "" {
		req.OrgName = "default"
	}
	if req.KeyName == "" {
		req.KeyName = "root"
	}

	orgID := "org_" + randomID()
	secret, keyID, err := s.db.createOrgWithRootKey(ctx, orgID, req.OrgName, req.KeyName)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	writeJSON(w, http.StatusCreated, orgInitResponse{OrgID: orgID, KeyID: keyID, APIKey: secret})
}

type createKeyRequest struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

type createKeyResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "name is required")
		return
	}
	secret, keyID, err := s.db.createKey(r.Context(), key.OrgID, req.Name, req.Project)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{KeyID: keyID, APIKey: secret})
}

type keyView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Prefix    string  `json:"prefix"`
	Project   string  `json:"project,omitempty"`
	IsRoot    bool    `json:"is_root"`
	RevokedAt *string `json:"revoked_at,omitempty"`
	LastUsed  *string `json:"last_used_at,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	keys, err := s.db.listKeys(r.Context(), key.OrgID)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	views := make([]keyView, len(keys))
	for i, k := range keys {
		v := keyView{ID: k.ID, Name: k.Name, Prefix: k.Prefix, Project: k.Project, IsRoot: k.IsRoot}
		if k.RevokedAt != nil {
			s := k.RevokedAt.UTC().Format("2006-01-02T15:04:05Z")
			v.RevokedAt = &s
		}
		if k.LastUsed != nil {
			s := k.LastUsed.UTC().Format("2006-01-02T15:04:05Z")
			v.LastUsed = &s
		}
		views[i] = v
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	id := r.PathValue("id")
	if err := s.db.revokeKey(r.Context(), key.OrgID, id); err != nil {
		writeLoreErr(w, err)
		return
	}
	s.authCache.invalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

// --- lesson CRUD ---

type lessonWire struct {
	ID         string         `json:"id"`
	Problem    string         `json:"problem"`
	Resolution string         `json:"resolution"`
	Context    string         `json:"context,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source,omitempty"`
	Project    string         `json:"project,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  string         `json:"created_at,omitempty"`
	UpdatedAt  string         `json:"updated_at,omitempty"`
	ExpiresAt  *string        `json:"expires_at,omitempty"`
	Upvotes    json.RawMessage `json:"upvotes,omitempty"`
	Downvotes  json.RawMessage `json:"downvotes,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05.999999999Z"

func toWire(l lesson.Lesson) lessonWire {
	w := lessonWire{
		ID: l.ID, Problem: l.Problem, Resolution: l.Resolution, Context: l.Context,
		Tags: l.Tags, Confidence: l.Confidence, Source: l.Source, Project: l.Project,
		Embedding: l.Embedding, Meta: l.Meta,
		CreatedAt: l.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: l.UpdatedAt.UTC().Format(timeLayout),
	}
	up, _ := json.Marshal(l.Upvotes)
	down, _ := json.Marshal(l.Downvotes)
	w.Upvotes, w.Downvotes = up, down
	if l.ExpiresAt != nil {
		s := l.ExpiresAt.UTC().Format(timeLayout)
		w.ExpiresAt = &s
	}
	return w
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	var body lessonWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request body")
		return
	}
	if body.Problem == "" || body.Resolution == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "problem and resolution are required")
		return
	}
	if body.Confidence < 0 || body.Confidence > 1 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "confidence must be in [0,1]")
		return
	}
	if body.Project != "" && key.Project != "" && body.Project != key.Project {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "project-scoped key cannot publish outside its project")
		return
	}
	if key.Project != "" {
		body.Project = key.Project
	}

	l := lesson.Lesson{
		ID: idgen.New(), Problem: body.Problem, Resolution: body.Resolution, Context: body.Context,
		Tags: body.Tags, Confidence: body.Confidence, Source: body.Source, Project: body.Project,
		Embedding: body.Embedding, Meta: body.Meta,
	}
	l.CreatedAt = s.db.now()
	l.UpdatedAt = l.CreatedAt

	if err := s.db.saveLesson(r.Context(), key.OrgID, l); err != nil {
		writeLoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": l.ID})
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	id := r.PathValue("id")
	l, ok, err := s.db.getLesson(r.Context(), key.OrgID, key.Project, id)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "lesson not found")
		return
	}
	writeJSON(w, http.StatusOK, toWire(l))
}

type updateLessonRequest struct {
	Confidence *float64        `json:"confidence,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
	Upvotes    json.RawMessage `json:"upvotes,omitempty"`
	Downvotes  json.RawMessage `json:"downvotes,omitempty"`
}

func (s *Server) handleUpdateLesson(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	id := r.PathValue("id")
	var req updateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request body")
		return
	}

	if isIncrementSentinel(req.Upvotes) {
		if err := s.db.voteLesson(r.Context(), key.OrgID, key.Project, id, "upvotes"); err != nil {
			writeLoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}
	if isIncrementSentinel(req.Downvotes) {
		if err := s.db.voteLesson(r.Context(), key.OrgID, key.Project, id, "downvotes"); err != nil {
			writeLoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}

	existing, ok, err := s.db.getLesson(r.Context(), key.OrgID, key.Project, id)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "lesson not found")
		return
	}
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", "confidence must be in [0,1]")
			return
		}
		existing.Confidence = *req.Confidence
	}
	if req.Tags != nil {
		existing.Tags = req.Tags
	}
	if req.Meta != nil {
		existing.Meta = req.Meta
	}
	existing.UpdatedAt = s.db.now()

	updated, err := s.db.updateLesson(r.Context(), key.OrgID, key.Project, existing)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "not_found", "lesson not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func isIncrementSentinel(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == "+1"
}

func (s *Server) handleDeleteLesson(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	id := r.PathValue("id")
	ok, err := s.db.deleteLesson(r.Context(), key.OrgID, key.Project, id)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "lesson not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const maxListLimit = 200

func (s *Server) handleListLessons(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	project := r.URL.Query().Get("project")
	if key.Project != "" {
		project = key.Project
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	ls, err := s.db.listLessons(r.Context(), key.OrgID, project, limit, offset)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	out := make([]lessonWire, len(ls))
	for i, l := range ls {
		out[i] = toWire(l)
	}
	writeJSON(w, http.StatusOK, out)
}

const maxSearchLimit = 50

type searchRequest struct {
	Embedding     []float32 `json:"embedding"`
	Tags          []string  `json:"tags,omitempty"`
	Project       string    `json:"project,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	MinConfidence float64   `json:"min_confidence,omitempty"`
}

type scoredWire struct {
	Lesson lessonWire `json:"lesson"`
	Score  float64    `json:"score"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request body")
		return
	}
	if key.Project != "" {
		req.Project = key.Project
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	results, err := s.db.searchLessons(r.Context(), key.OrgID, req.Project, req.Embedding, req.Tags, req.MinConfidence, limit)
	if err != nil {
		if _, ok := loreerr.KindOf(err); ok {
			writeLoreErr(w, err)
		} else {
			writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		}
		return
	}
	out := make([]scoredWire, len(results))
	for i, r := range results {
		out[i] = scoredWire{Lesson: toWire(r.Lesson), Score: r.Score}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	ls, err := s.db.exportLessons(r.Context(), key.OrgID, key.Project)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	out := make([]lessonWire, len(ls))
	for i, l := range ls {
		out[i] = toWire(l)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
	var in []lessonWire
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request body")
		return
	}
	now := s.db.now()
	ls := make([]lesson.Lesson, len(in))
	for i, wire := range in {
		ls[i] = lesson.Lesson{
			ID: wire.ID, Problem: wire.Problem, Resolution: wire.Resolution, Context: wire.Context,
			Tags: wire.Tags, Confidence: wire.Confidence, Source: wire.Source, Project: wire.Project,
			Embedding: wire.Embedding, Meta: wire.Meta,
			CreatedAt: parseWireTime(wire.CreatedAt, now), UpdatedAt: parseWireTime(wire.UpdatedAt, now),
		}
	}
	imported, err := s.db.importLessons(r.Context(), key.OrgID, ls)
	if err != nil {
		writeLoreErr(w, loreerr.Wrap(loreerr.KindConnection, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

// parseWireTime parses a timeLayout-formatted timestamp, falling back to
// def when raw is empty or malformed (e.g. a hand-built import payload
// that omits timestamps entirely).
func parseWireTime(raw string, def time.Time) time.Time {
	if raw == "" {
		return def
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return def
	}
	return t
}

func randomID() string {
	return hex.EncodeToString(randomBytes(12))
}
