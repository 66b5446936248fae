package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(Config{DBPath: ":memory:", Dims: 2, RateLimitRPM: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func initOrg(t *testing.T, srv *Server, project string) (apiKey string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"org_name": "acme", "key_name": "root"})
	req := httptest.NewRequest(http.MethodPost, "/v1/org/init", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp orgInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	rootKey := resp.APIKey

	if project == "" {
		return rootKey
	}

	ckBody, _ := json.Marshal(createKeyRequest{Name: "scoped", Project: project})
	ckReq := httptest.NewRequest(http.MethodPost, "/v1/keys", bytes.NewReader(ckBody))
	ckReq.Header.Set("Authorization", "Bearer "+rootKey)
	ckRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ckRec, ckReq)
	require.Equal(t, http.StatusCreated, ckRec.Code)

	var ckResp createKeyResponse
	require.NoError(t, json.Unmarshal(ckRec.Body.Bytes(), &ckResp))
	return ckResp.APIKey
}

func doRequest(srv *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOrgInitRejectsSecondCall(t *testing.T) {
	srv := newTestServer(t)
	initOrg(t, srv, "")

	body, _ := json.Marshal(map[string]string{})
	req := httptest.NewRequest(http.MethodPost, "/v1/org/init", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPublishGetSearchRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	rootKey := initOrg(t, srv, "")

	publishBody := map[string]any{
		"problem": "cache stampede under load", "resolution": "add request coalescing",
		"confidence": 0.8, "tags": []string{"cache"}, "embedding": []float32{1, 0},
	}
	rec := doRequest(srv, http.MethodPost, "/v1/lessons", rootKey, publishBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	getRec := doRequest(srv, http.MethodGet, "/v1/lessons/"+id, rootKey, nil)
	require.Equal(t, http.StatusOK, getRec.Code)

	searchBody := map[string]any{"embedding": []float32{1, 0}, "limit": 5}
	searchRec := doRequest(srv, http.MethodPost, "/v1/lessons/search", rootKey, searchBody)
	require.Equal(t, http.StatusOK, searchRec.Code)

	var results []scoredWire
	require.NoError(t, json.Unmarshal(searchRec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].Lesson.ID)
}

func TestVoteSentinelIncrementsAtomically(t *testing.T) {
	srv := newTestServer(t)
	rootKey := initOrg(t, srv, "")

	publishBody := map[string]any{"problem": "p", "resolution": "r", "confidence": 0.5}
	rec := doRequest(srv, http.MethodPost, "/v1/lessons", rootKey, publishBody)
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["id"]

	voteBody := map[string]any{"upvotes": "+1"}
	voteRec := doRequest(srv, http.MethodPatch, "/v1/lessons/"+id, rootKey, voteBody)
	require.Equal(t, http.StatusOK, voteRec.Code)

	getRec := doRequest(srv, http.MethodGet, "/v1/lessons/"+id, rootKey, nil)
	var wire lessonWire
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &wire))
	require.Equal(t, "1", string(wire.Upvotes))
}

func TestCrossProjectLessonLookupIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	rootKey := initOrg(t, srv, "")
	keyA := mintProjectKey(t, srv, rootKey, "project-a")
	keyB := mintProjectKey(t, srv, rootKey, "project-b")

	publishBody := map[string]any{"problem": "p", "resolution": "r", "confidence": 0.5}
	rec := doRequest(srv, http.MethodPost, "/v1/lessons", keyA, publishBody)
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["id"]

	getRec := doRequest(srv, http.MethodGet, "/v1/lessons/"+id, keyB, nil)
	require.Equal(t, http.StatusNotFound, getRec.Code)
}

// mintProjectKey creates a project-scoped key in the same org as rootKey.
func mintProjectKey(t *testing.T, srv *Server, rootKey, project string) string {
	t.Helper()
	ckBody, _ := json.Marshal(createKeyRequest{Name: "scoped-" + project, Project: project})
	ckReq := httptest.NewRequest(http.MethodPost, "/v1/keys", bytes.NewReader(ckBody))
	ckReq.Header.Set("Authorization", "Bearer "+rootKey)
	ckRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ckRec, ckReq)
	require.Equal(t, http.StatusCreated, ckRec.Code)
	var ckResp createKeyResponse
	require.NoError(t, json.Unmarshal(ckRec.Body.Bytes(), &ckResp))
	return ckResp.APIKey
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	srv := newTestServer(t)
	initOrg(t, srv, "")
	rec := doRequest(srv, http.MethodGet, "/v1/lessons", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNonRootKeyCannotCreateKeys(t *testing.T) {
	srv := newTestServer(t)
	scoped := initOrg(t, srv, "project-a")
	rec := doRequest(srv, http.MethodPost, "/v1/keys", scoped, createKeyRequest{Name: "x"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
