package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-intake/internal/ratelimit"
	"studio-intake/internal/service"
	"studio-intake/internal/submission"
)

const validBody = `{
  "serviceType": "Web Systems",
  "projectName": "Acme Site",
  "company": "Acme Corp",
  "email": "a@acme.com",
  "phone": "",
  "description": "Build a site",
  "keyFeatures": "Blog, Shop",
  "projectType": "web-app",
  "budget": "10k-50k",
  "urgency": "medium",
  "deadline": "2025-01-15T00:00:00.000Z",
  "isStudent": false
}`

type stubSink struct {
	err error
}

func (s stubSink) Name() string                                { return "scylla" }
func (s stubSink) Save(context.Context, *submission.Row) error { return nil }
func (s stubSink) HealthCheck(context.Context) error           { return s.err }

func newTestRouter(t *testing.T, limit int, sinkErr error) http.Handler {
	t.Helper()
	return newRouterWith(t, limit, sinkErr, RouterOptions{})
}

func newRouterWith(t *testing.T, limit int, sinkErr error, opts RouterOptions, svcOpts ...service.Option) http.Handler {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) }
	limiter := ratelimit.New(
		ratelimit.NewMemoryStore(ratelimit.WithMemoryClock(now)),
		ratelimit.WithMaxSubmissions(limit),
		ratelimit.WithClock(now),
	)
	svcOpts = append([]service.Option{
		service.WithPerClient(true),
		service.WithSinks(stubSink{err: sinkErr}),
	}, svcOpts...)
	svc := service.NewIntakeService(limiter, submission.NewFormatter(submission.WithClock(now)), "15550100999", svcOpts...)
	opts.AllowedOrigins = []string{"https://studio.example"}
	return NewRouter(NewSubmissionHandler(svc, nil), nil, opts)
}

type receiptTable map[string]*submission.Receipt

func (r receiptTable) FindReceipt(_ context.Context, id string) (*submission.Receipt, error) {
	if rec, ok := r[id]; ok {
		return rec, nil
	}
	return nil, submission.ErrNotFound
}

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func TestCreateSubmission(t *testing.T) {
	h := newTestRouter(t, 5, nil)

	rec, resp := do(t, h, http.MethodPost, "/api/v1/forms/project-request/submissions", validBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, float64(4), data["remaining"])
	assert.True(t, strings.HasPrefix(data["deep_link"].(string), "https://wa.me/15550100999?text="))
	assert.Contains(t, data["message"], "*Phone:* Not provided")
	assert.Equal(t, []interface{}{"scylla"}, data["persisted"])
}

func TestCreateSubmission_BadRequests(t *testing.T) {
	h := newTestRouter(t, 5, nil)

	rec, resp := do(t, h, http.MethodPost, "/api/v1/forms/project-request/submissions", `{"isStudent":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	invalid := strings.Replace(validBody, `"a@acme.com"`, `"not-an-email"`, 1)
	rec, resp = do(t, h, http.MethodPost, "/api/v1/forms/project-request/submissions", invalid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "email must be a valid email")
}

func TestCreateSubmission_RateLimited(t *testing.T) {
	h := newTestRouter(t, 1, nil)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/forms/project-request/submissions", validBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := do(t, h, http.MethodPost, "/api/v1/forms/project-request/submissions", validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many submissions. Please try again in 60 minutes.", resp.Message)

	rec, resp = do(t, h, http.MethodGet, "/api/v1/forms/project-request/rate-limit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{
		"remaining":           float64(0),
		"minutes_until_reset": float64(60),
		"limited":             true,
	}, resp.Data)

	// Other forms keep their own window.
	rec, _ = do(t, h, http.MethodPost, "/api/v1/forms/student-request/submissions", validBody)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	h := newTestRouter(t, 5, nil)
	rec, _ := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"studio-intake"}`, rec.Body.String())

	rec, resp := do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"scylla": "ok"}, resp.Data)

	unhealthy := newTestRouter(t, 5, errors.New("no hosts available"))
	rec, resp = do(t, unhealthy, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]interface{}{"scylla": "no hosts available"}, resp.Data)
}

func TestReadyIncludesLimiterStore(t *testing.T) {
	h := newRouterWith(t, 5, nil, RouterOptions{},
		service.WithHealthCheck("redis", healthFunc(func(context.Context) error { return errors.New("connection refused") })))

	rec, resp := do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]interface{}{"scylla": "ok", "redis": "connection refused"}, resp.Data)
}

func TestGetSubmission(t *testing.T) {
	id := "6f1c2d3e-4a5b-4c6d-8e7f-901a2b3c4d5e"
	h := newRouterWith(t, 5, nil, RouterOptions{}, service.WithReceipts(receiptTable{
		id: {ID: id, FormName: "project-request", SubmittedAt: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)},
	}))

	rec, resp := do(t, h, http.MethodGet, "/api/v1/submissions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]interface{}{
		"id":           id,
		"form_name":    "project-request",
		"submitted_at": "2025-01-10T09:00:00Z",
	}, resp.Data)

	rec, resp = do(t, h, http.MethodGet, "/api/v1/submissions/00000000-0000-0000-0000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)

	// Without a store nothing can be confirmed.
	rec, _ = do(t, newTestRouter(t, 5, nil), http.MethodGet, "/api/v1/submissions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func postFrom(t *testing.T, h http.Handler, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/forms/project-request/submissions", strings.NewReader(validBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestForwardedForIgnoredWithoutTrustedProxy(t *testing.T) {
	h := newRouterWith(t, 1, nil, RouterOptions{})

	assert.Equal(t, http.StatusCreated, postFrom(t, h, "203.0.113.1"))
	// A rotated header must not open a fresh window.
	assert.Equal(t, http.StatusTooManyRequests, postFrom(t, h, "203.0.113.2"))
}

func TestForwardedForHonouredBehindTrustedProxy(t *testing.T) {
	h := newRouterWith(t, 1, nil, RouterOptions{TrustProxy: true})

	assert.Equal(t, http.StatusCreated, postFrom(t, h, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, postFrom(t, h, "203.0.113.1"))
	assert.Equal(t, http.StatusCreated, postFrom(t, h, "203.0.113.2"))
}

func TestRouterFallbacks(t *testing.T) {
	h := newTestRouter(t, 5, nil)

	rec, _ := do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/api/v1/forms/project-request/submissions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequireTLS(t *testing.T) {
	svc := service.NewIntakeService(ratelimit.New(ratelimit.NewMemoryStore()), submission.NewFormatter(), "1")
	h := NewRouter(NewSubmissionHandler(svc, nil), nil, RouterOptions{RequireTLS: true})

	rec, _ := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t, 5, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/forms/project-request/submissions", nil)
	req.Header.Set("Origin", "https://studio.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://studio.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
