package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"studio-intake/internal/ratelimit"
	"studio-intake/internal/submission"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

type fakeSink struct {
	name  string
	err   error
	block bool

	mu   sync.Mutex
	rows []*submission.Row
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Save(ctx context.Context, row *submission.Row) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.rows = append(f.rows, row)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) HealthCheck(context.Context) error { return f.err }

func (f *fakeSink) saved() []*submission.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*submission.Row(nil), f.rows...)
}

func newSubmission() *submission.StandardSubmission {
	return &submission.StandardSubmission{
		ProjectDetails: submission.ProjectDetails{
			ServiceType: "Web Systems",
			ProjectName: "Acme Site",
			Email:       "a@acme.com",
			Description: "Build a site",
			KeyFeatures: "Blog, Shop",
			ProjectType: submission.ProjectTypeWebApp,
			Budget:      submission.Budget10kTo50k,
			Deadline:    submission.DeadlineString("2025-06-01T00:00:00.000Z"),
		},
		Company: "Acme Corp",
		Urgency: submission.UrgencyMedium,
	}
}

func newService(limit int, opts ...Option) *IntakeService {
	limiter := ratelimit.New(
		ratelimit.NewMemoryStore(ratelimit.WithMemoryClock(clock)),
		ratelimit.WithMaxSubmissions(limit),
		ratelimit.WithClock(clock),
	)
	formatter := submission.NewFormatter(submission.WithClock(clock))
	opts = append([]Option{WithIDGenerator(func() string { return "6f1c2d3e-4a5b-4c6d-8e7f-901a2b3c4d5e" })}, opts...)
	return NewIntakeService(limiter, formatter, "+1 555 010 0999", opts...)
}

func TestSubmit_AcceptsAndFansOut(t *testing.T) {
	primary := &fakeSink{name: "scylla"}
	search := &fakeSink{name: "elasticsearch"}
	svc := newService(5, WithSinks(primary, search))

	res, err := svc.Submit(context.Background(), "project-request", "203.0.113.7", newSubmission())
	require.NoError(t, err)

	assert.Equal(t, "6f1c2d3e-4a5b-4c6d-8e7f-901a2b3c4d5e", res.ID)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, []string{"scylla", "elasticsearch"}, res.Persisted)
	assert.True(t, strings.HasPrefix(res.DeepLink, "https://wa.me/15550100999?text="))

	u, err := url.Parse(res.DeepLink)
	require.NoError(t, err)
	assert.Equal(t, res.Message, u.Query().Get("text"))
	assert.Contains(t, res.Message, "*Company:* Acme Corp")

	for _, sink := range []*fakeSink{primary, search} {
		rows := sink.saved()
		require.Len(t, rows, 1)
		assert.Equal(t, "project-request", rows[0].FormName)
		assert.Equal(t, res.ID, rows[0].ID)
		assert.Equal(t, "2025-03-04T10:30:00.000Z", rows[0].SubmittedAt)
	}
}

func TestSubmit_SinkFailuresDoNotFailSubmission(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failing := &fakeSink{name: "kafka", err: errors.New("broker down")}
	slow := &fakeSink{name: "clickhouse", block: true}
	ok := &fakeSink{name: "scylla"}

	svc := newService(5,
		WithSinks(failing, slow, ok),
		WithSinkTimeout(10*time.Millisecond),
		WithLogger(zap.New(core)))

	res, err := svc.Submit(context.Background(), "project-request", "", newSubmission())
	require.NoError(t, err)
	assert.Equal(t, []string{"scylla"}, res.Persisted)

	entries := logs.FilterMessage("Failed to persist submission").All()
	require.Len(t, entries, 2)
	sinks := []string{entries[0].ContextMap()["sink"].(string), entries[1].ContextMap()["sink"].(string)}
	assert.ElementsMatch(t, []string{"kafka", "clickhouse"}, sinks)
}

func TestSubmit_RateLimited(t *testing.T) {
	svc := newService(2, WithPerClient(true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Submit(ctx, "project-request", "203.0.113.7", newSubmission())
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, "project-request", "203.0.113.7", newSubmission())
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 60, limited.Minutes)
	assert.Equal(t, "Too many submissions. Please try again in 60 minutes.", limited.Error())

	// Another visitor has their own window.
	_, err = svc.Submit(ctx, "project-request", "198.51.100.2", newSubmission())
	assert.NoError(t, err)

	status, err := svc.Status(ctx, "project-request", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, RateStatus{Remaining: 0, MinutesUntilReset: 60, Limited: true}, status)
}

// gatedStore holds every RecordAtomic call until all callers have arrived,
// so the requests really do race for the last slots.
type gatedStore struct {
	*ratelimit.MemoryStore
	arrived *sync.WaitGroup
}

func (g gatedStore) RecordAtomic(ctx context.Context, key string, now time.Time, window time.Duration) (ratelimit.Entry, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.MemoryStore.RecordAtomic(ctx, key, now, window)
}

func TestSubmit_ConcurrentRequestsRespectBudget(t *testing.T) {
	const callers = 50
	arrived := &sync.WaitGroup{}
	arrived.Add(callers)

	limiter := ratelimit.New(
		gatedStore{MemoryStore: ratelimit.NewMemoryStore(ratelimit.WithMemoryClock(clock)), arrived: arrived},
		ratelimit.WithMaxSubmissions(5),
		ratelimit.WithClock(clock),
	)
	sink := &fakeSink{name: "scylla"}
	svc := NewIntakeService(limiter, submission.NewFormatter(submission.WithClock(clock)), "15550100999", WithSinks(sink))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		limited  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), "project-request", "", newSubmission())
			var rl *RateLimitedError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &rl):
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	assert.Equal(t, callers-5, limited)
	assert.Len(t, sink.saved(), 5)

	status, err := svc.Status(context.Background(), "project-request", "")
	require.NoError(t, err)
	assert.True(t, status.Limited)
	assert.Equal(t, 0, status.Remaining)
}

func TestSubmit_ClientKeysAreHashed(t *testing.T) {
	var seen []string
	svc := newService(1,
		WithPerClient(true),
		WithClientKeyHasher(func(k string) string {
			seen = append(seen, k)
			return "h"
		}))
	ctx := context.Background()

	_, err := svc.Submit(ctx, "project-request", "203.0.113.7", newSubmission())
	require.NoError(t, err)

	// Both addresses hash to the same token and so share one window.
	_, err = svc.Submit(ctx, "project-request", "198.51.100.2", newSubmission())
	var limited *RateLimitedError
	assert.ErrorAs(t, err, &limited)
	assert.Contains(t, seen, "203.0.113.7")
	assert.Contains(t, seen, "198.51.100.2")
}

func TestSubmit_SharedWindowWithoutPerClient(t *testing.T) {
	svc := newService(1)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "project-request", "203.0.113.7", newSubmission())
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "project-request", "198.51.100.2", newSubmission())

	var limited *RateLimitedError
	assert.ErrorAs(t, err, &limited)
}

func TestSubmit_InvalidInputIsNotCounted(t *testing.T) {
	sink := &fakeSink{name: "scylla"}
	svc := newService(5, WithSinks(sink))
	ctx := context.Background()

	bad := newSubmission()
	bad.Email = "nope"
	_, err := svc.Submit(ctx, "project-request", "", bad)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Submit(ctx, " ", "", newSubmission())
	assert.ErrorIs(t, err, ErrMissingFormName)

	_, err = svc.Submit(ctx, "project-request", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Submit(ctx, "project-request", "", (*submission.StudentSubmission)(nil))
	assert.ErrorIs(t, err, ErrInvalidInput)

	status, err := svc.Status(ctx, "project-request", "")
	require.NoError(t, err)
	assert.Equal(t, 5, status.Remaining)
	assert.False(t, status.Limited)
	assert.Empty(t, sink.saved())
}

func TestSubmit_StudentVariant(t *testing.T) {
	sink := &fakeSink{name: "scylla"}
	svc := newService(5, WithSinks(sink))

	stu := &submission.StudentSubmission{
		ProjectDetails: submission.ProjectDetails{
			ServiceType:    "AI Solutions",
			ProjectName:    "Thesis Assistant",
			Email:          "jane@mit.edu",
			Description:    "Summarise papers",
			KeyFeatures:    "Search, Notes",
			Budget:         submission.BudgetUnder5k,
			Deadline:       submission.DeadlineString("2025-05-20"),
			PortfolioFocus: true,
		},
		StudentName:       "Jane Doe",
		University:        "MIT",
		PreferredTimeline: submission.Timeline2To4Weeks,
	}

	res, err := svc.Submit(context.Background(), "student-request", "", stu)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "*Portfolio Project:* Yes")

	rows := sink.saved()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsStudent)
	assert.Equal(t, "ai-ml", rows[0].ProjectType)
}

func TestHealthCheck(t *testing.T) {
	svc := newService(5, WithSinks(
		&fakeSink{name: "scylla"},
		&fakeSink{name: "kafka", err: errors.New("no brokers")},
	))

	results, err := svc.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "kafka: no brokers")
	assert.Len(t, results, 2)
	assert.NoError(t, results["scylla"])
	assert.Equal(t, []string{"scylla", "kafka"}, svc.SinkNames())
}

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthCheck_IncludesNonSinkDependencies(t *testing.T) {
	svc := newService(5,
		WithSinks(&fakeSink{name: "scylla"}),
		WithHealthCheck("redis", healthFunc(func(context.Context) error { return errors.New("connection refused") })),
		WithHealthCheck("ignored", nil))

	results, err := svc.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "redis: connection refused")
	assert.Len(t, results, 2)
	assert.NoError(t, results["scylla"])
}

type receiptTable map[string]*submission.Receipt

func (r receiptTable) FindReceipt(_ context.Context, id string) (*submission.Receipt, error) {
	if rec, ok := r[id]; ok {
		return rec, nil
	}
	return nil, submission.ErrNotFound
}

func TestReceipt(t *testing.T) {
	ctx := context.Background()
	id := "6f1c2d3e-4a5b-4c6d-8e7f-901a2b3c4d5e"

	_, err := newService(5).Receipt(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	svc := newService(5, WithReceipts(receiptTable{id: {ID: id, FormName: "project-request", SubmittedAt: now}}))
	rec, err := svc.Receipt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "project-request", rec.FormName)

	_, err = svc.Receipt(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}
