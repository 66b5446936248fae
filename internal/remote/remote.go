// Package remote implements the Store capability as an HTTP client
// against the Lore server's §6 external interface. It classifies network
// failures the way the teacher's internal/embedding/ollama.go client
// classifies Ollama connection errors, but never retries mutating
// requests — retry policy is explicitly a higher-level "hardened
// adapter" concern, out of scope here (§4.3.3).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/sgx-labs/lore/internal/lesson"
	"github.com/sgx-labs/lore/internal/loreerr"
	"github.com/sgx-labs/lore/internal/store"
)

// DefaultDeadline is the per-call timeout applied when a caller doesn't
// override it.
const DefaultDeadline = 30 * time.Second

// Client is a Store backed by a Lore server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	deadline   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithDeadline overrides the default 30s per-call timeout.
func WithDeadline(d time.Duration) Option {
	return func(c *Client) { c.deadline = d }
}

// WithHTTPClient swaps the underlying http.Client, e.g. for test doubles.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New builds a remote Store client. baseURL is the server's root (e.g.
// "https://lore.internal:8443"); apiKey is sent as a Bearer token.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, loreerr.Validationf("invalid server url: %v", err)
	}
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		deadline:   DefaultDeadline,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var _ store.Store = (*Client)(nil)

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
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Upvotes    any            `json:"upvotes"`
	Downvotes  any            `json:"downvotes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func toWire(l lesson.Lesson) lessonWire {
	return lessonWire{
		ID: l.ID, Problem: l.Problem, Resolution: l.Resolution, Context: l.Context,
		Tags: l.Tags, Confidence: l.Confidence, Source: l.Source, Project: l.Project,
		Embedding: l.Embedding, CreatedAt: l.CreatedAt, UpdatedAt: l.UpdatedAt,
		ExpiresAt: l.ExpiresAt, Upvotes: l.Upvotes, Downvotes: l.Downvotes, Meta: l.Meta,
	}
}

func fromWire(w lessonWire) lesson.Lesson {
	up, _ := w.Upvotes.(float64)
	down, _ := w.Downvotes.(float64)
	return lesson.Lesson{
		ID: w.ID, Problem: w.Problem, Resolution: w.Resolution, Context: w.Context,
		Tags: w.Tags, Confidence: w.Confidence, Source: w.Source, Project: w.Project,
		Embedding: w.Embedding, CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
		ExpiresAt: w.ExpiresAt, Upvotes: int(up), Downvotes: int(down), Meta: w.Meta,
	}
}

func (c *Client) Save(ctx context.Context, l lesson.Lesson) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/lessons", toWire(l), nil)
	return err
}

func (c *Client) Get(ctx context.Context, id string) (lesson.Lesson, bool, error) {
	var w lessonWire
	_, err := c.do(ctx, http.MethodGet, "/v1/lessons/"+url.PathEscape(id), nil, &w)
	if err != nil {
		if loreerr.KindOfIs(err, loreerr.KindNotFound) {
			return lesson.Lesson{}, false, nil
		}
		return lesson.Lesson{}, false, err
	}
	return fromWire(w), true, nil
}

func (c *Client) List(ctx context.Context, filter store.ListFilter) ([]lesson.Lesson, error) {
	q := url.Values{}
	if filter.Project != "" {
		q.Set("project", filter.Project)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", filter.Limit))
	}
	var out []lessonWire
	_, err := c.do(ctx, http.MethodGet, "/v1/lessons?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	result := make([]lesson.Lesson, len(out))
	for i, w := range out {
		result[i] = fromWire(w)
	}
	return result, nil
}

func (c *Client) Update(ctx context.Context, l lesson.Lesson) (bool, error) {
	status, err := c.do(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(l.ID), toWire(l), nil)
	if err != nil {
		if loreerr.KindOfIs(err, loreerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return status < 300, nil
}

// voteSentinel is the "+1" payload shape the server interprets as an
// atomic increment (§4.3.3, §4.4).
type voteSentinel struct {
	Upvotes   string `json:"upvotes,omitempty"`
	Downvotes string `json:"downvotes,omitempty"`
}

func (c *Client) Upvote(ctx context.Context, id string) error {
	return c.vote(ctx, id, voteSentinel{Upvotes: "+1"})
}

func (c *Client) Downvote(ctx context.Context, id string) error {
	return c.vote(ctx, id, voteSentinel{Downvotes: "+1"})
}

func (c *Client) vote(ctx context.Context, id string, payload voteSentinel) error {
	_, err := c.do(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(id), payload, nil)
	return err
}

func (c *Client) Delete(ctx context.Context, id string) (bool, error) {
	_, err := c.do(ctx, http.MethodDelete, "/v1/lessons/"+url.PathEscape(id), nil, nil)
	if err != nil {
		if loreerr.KindOfIs(err, loreerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

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

func (c *Client) Search(ctx context.Context, queryVec []float32, filter store.SearchFilter) ([]lesson.Scored, error) {
	req := searchRequest{
		Embedding: queryVec, Tags: filter.Tags, Project: filter.Project,
		Limit: filter.Limit, MinConfidence: filter.MinConfidence,
	}
	var out []scoredWire
	_, err := c.do(ctx, http.MethodPost, "/v1/lessons/search", req, &out)
	if err != nil {
		return nil, err
	}
	result := make([]lesson.Scored, len(out))
	for i, s := range out {
		result[i] = lesson.Scored{Lesson: fromWire(s.Lesson), Score: s.Score}
	}
	return result, nil
}

func (c *Client) Close() error { return nil }

// do performs exactly one HTTP call, classifying the outcome into the
// Lore error taxonomy. It never retries — retry policy is a concern
// layered above this client, not inside it.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, loreerr.Validationf("encode request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, loreerr.Validationf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		reason := classifyNetworkError(err)
		return 0, loreerr.Connectionf(err, "lore server request failed: %s", reason)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, loreerr.Authf("lore server rejected credentials: %s", string(respBody))
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, loreerr.NotFoundf("lesson not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, loreerr.RateLimitedf(retryAfterSeconds(resp), "lore server rate limit exceeded")
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return resp.StatusCode, loreerr.Validationf("lore server rejected request: %s", string(respBody))
	case resp.StatusCode >= 300:
		return resp.StatusCode, loreerr.Connectionf(fmt.Errorf("status %d", resp.StatusCode), "unexpected lore server response: %s", string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, loreerr.Wrap(loreerr.KindConnection, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

func retryAfterSeconds(resp *http.Response) int {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}

// classifyNetworkError mirrors the teacher's Ollama client classification
// (internal/embedding/ollama.go): syscall errno first, then net error
// types, then a string-based fallback for wrapped errors.
func classifyNetworkError(err error) string {
	if err == nil {
		return "unknown"
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNREFUSED:
			return "connection_refused"
		case syscall.EACCES, syscall.EPERM:
			return "permission_denied"
		case syscall.ETIMEDOUT:
			return "timeout"
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return "timeout"
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_failure"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "permission denied"):
		return "permission_denied"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "no such host"):
		return "dns_failure"
	}
	return "network_error"
}
