package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"studio-intake/internal/ratelimit"
	"studio-intake/internal/submission"
)

var (
	ErrInvalidInput    = submission.ErrInvalidInput
	ErrNotFound        = submission.ErrNotFound
	ErrMissingFormName = fmt.Errorf("%w: form name is required", ErrInvalidInput)
)

const defaultSinkTimeout = 5 * time.Second

// RateLimitedError is returned when a form has used its window budget.
type RateLimitedError struct {
	Minutes int
}

func (e *RateLimitedError) Error() string {
	unit := "minutes"
	if e.Minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Too many submissions. Please try again in %d %s.", e.Minutes, unit)
}

// RowSink receives every accepted submission row.
type RowSink interface {
	Name() string
	Save(ctx context.Context, row *submission.Row) error
}

// HealthChecker is implemented by sinks and other dependencies that can
// report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReceiptFinder looks up a stored submission by id.
type ReceiptFinder interface {
	FindReceipt(ctx context.Context, id string) (*submission.Receipt, error)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// Result is what the caller needs after an accepted submission.
type Result struct {
	ID        string   `json:"id"`
	DeepLink  string   `json:"deep_link"`
	Message   string   `json:"message"`
	Remaining int      `json:"remaining"`
	Persisted []string `json:"persisted"`
}

// RateStatus describes a form's current window.
type RateStatus struct {
	Remaining         int  `json:"remaining"`
	MinutesUntilReset int  `json:"minutes_until_reset"`
	Limited           bool `json:"limited"`
}

// IntakeService runs the submission flow: validate, rate check, format,
// record, persist, then build the chat deep link.
type IntakeService struct {
	limiter     *ratelimit.Limiter
	formatter   *submission.Formatter
	destination string
	sinks       []RowSink
	perClient   bool
	clientHash  func(string) string
	checks      []namedCheck
	receipts    ReceiptFinder
	sinkTimeout time.Duration
	newID       func() string
	logger      *zap.Logger
}

type Option func(*IntakeService)

func WithSinks(sinks ...RowSink) Option {
	return func(s *IntakeService) {
		for _, sink := range sinks {
			if sink != nil {
				s.sinks = append(s.sinks, sink)
			}
		}
	}
}

// WithPerClient scopes rate limit windows to the caller's client key.
func WithPerClient(enabled bool) Option {
	return func(s *IntakeService) { s.perClient = enabled }
}

// WithClientKeyHasher transforms client keys before they are used in
// limiter keys.
func WithClientKeyHasher(hash func(string) string) Option {
	return func(s *IntakeService) { s.clientHash = hash }
}

// WithHealthCheck adds a non-sink dependency, such as the limiter's
// store, to HealthCheck.
func WithHealthCheck(name string, checker HealthChecker) Option {
	return func(s *IntakeService) {
		if checker != nil {
			s.checks = append(s.checks, namedCheck{name: name, checker: checker})
		}
	}
}

func WithReceipts(finder ReceiptFinder) Option {
	return func(s *IntakeService) { s.receipts = finder }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(s *IntakeService) {
		if d > 0 {
			s.sinkTimeout = d
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *IntakeService) { s.newID = newID }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *IntakeService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewIntakeService(limiter *ratelimit.Limiter, formatter *submission.Formatter, destination string, opts ...Option) *IntakeService {
	s := &IntakeService{
		limiter:     limiter,
		formatter:   formatter,
		destination: destination,
		sinkTimeout: defaultSinkTimeout,
		newID:       func() string { return uuid.NewString() },
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit accepts one submission. Only invalid input and an exhausted rate
// limit are reported as errors; sink failures are logged and the
// submission still succeeds.
//
// The rate check and the count are a single TryRecord call so concurrent
// requests cannot slip past the budget between check and record.
func (s *IntakeService) Submit(ctx context.Context, formName, clientKey string, sub submission.Submission) (*Result, error) {
	formName = strings.TrimSpace(formName)
	if formName == "" {
		return nil, ErrMissingFormName
	}
	if submission.IsNil(sub) {
		return nil, fmt.Errorf("%w: empty submission", ErrInvalidInput)
	}

	sub.Clean()
	if err := submission.Validate(sub); err != nil {
		return nil, err
	}

	row, err := s.formatter.ToRecord(sub)
	if err != nil {
		return nil, err
	}
	message, err := s.formatter.ToMessage(sub)
	if err != nil {
		return nil, err
	}

	scoped := s.scope(formName, clientKey)
	entry, admitted := s.limiter.TryRecord(ctx, scoped)
	if !admitted {
		minutes := max(1, s.limiter.MinutesUntilReset(ctx, scoped))
		s.logger.Info("Submission rate limited",
			zap.String("form", formName),
			zap.Int("count", entry.Count),
			zap.Int("minutes_until_reset", minutes))
		return nil, &RateLimitedError{Minutes: minutes}
	}

	row.ID = s.newID()
	row.FormName = formName
	persisted := s.persist(ctx, row)

	s.logger.Info("Submission accepted",
		zap.String("submission_id", row.ID),
		zap.String("form", formName),
		zap.Bool("is_student", row.IsStudent),
		zap.Strings("persisted", persisted))

	remaining := s.limiter.MaxSubmissions() - entry.Count
	if entry.Count == 0 {
		// The store could not be reached; report from a fresh read.
		remaining = s.limiter.RemainingSubmissions(ctx, scoped)
	}

	return &Result{
		ID:        row.ID,
		DeepLink:  s.formatter.BuildDeepLink(message, s.destination),
		Message:   message,
		Remaining: max(0, remaining),
		Persisted: persisted,
	}, nil
}

// Receipt confirms that a submission reached the primary store.
func (s *IntakeService) Receipt(ctx context.Context, id string) (*submission.Receipt, error) {
	if s.receipts == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.receipts.FindReceipt(ctx, id)
}

// Status reports the window for formName as seen by clientKey.
func (s *IntakeService) Status(ctx context.Context, formName, clientKey string) (RateStatus, error) {
	formName = strings.TrimSpace(formName)
	if formName == "" {
		return RateStatus{}, ErrMissingFormName
	}
	scoped := s.scope(formName, clientKey)
	return RateStatus{
		Remaining:         s.limiter.RemainingSubmissions(ctx, scoped),
		MinutesUntilReset: s.limiter.MinutesUntilReset(ctx, scoped),
		Limited:           s.limiter.IsLimited(ctx, scoped),
	}, nil
}

// HealthCheck pings every sink that supports it and every dependency
// added with WithHealthCheck. The map holds one entry per check; a nil
// value means healthy.
func (s *IntakeService) HealthCheck(ctx context.Context) (map[string]error, error) {
	checks := append([]namedCheck(nil), s.checks...)
	for _, sink := range s.sinks {
		if checker, ok := sink.(HealthChecker); ok {
			checks = append(checks, namedCheck{name: sink.Name(), checker: checker})
		}
	}

	results := make(map[string]error, len(checks))
	var mu sync.Mutex
	var g errgroup.Group

	for _, c := range checks {
		g.Go(func() error {
			err := c.checker.HealthCheck(ctx)
			mu.Lock()
			results[c.name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for name, err := range results {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *IntakeService) SinkNames() []string {
	names := make([]string, len(s.sinks))
	for i, sink := range s.sinks {
		names[i] = sink.Name()
	}
	return names
}

func (s *IntakeService) scope(formName, clientKey string) string {
	if !s.perClient {
		return formName
	}
	if s.clientHash != nil {
		clientKey = s.clientHash(clientKey)
	}
	return ratelimit.ScopedFormName(formName, clientKey)
}

// persist fans the row out to every sink and returns, in sink order, the
// names of those that accepted it.
func (s *IntakeService) persist(ctx context.Context, row *submission.Row) []string {
	accepted := make([]bool, len(s.sinks))
	var g errgroup.Group

	for i, sink := range s.sinks {
		g.Go(func() error {
			sinkCtx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
			defer cancel()

			if err := sink.Save(sinkCtx, row); err != nil {
				s.logger.Error("Failed to persist submission",
					zap.String("sink", sink.Name()),
					zap.String("submission_id", row.ID),
					zap.Error(err))
				return nil
			}
			accepted[i] = true
			return nil
		})
	}
	_ = g.Wait()

	persisted := make([]string, 0, len(s.sinks))
	for i, ok := range accepted {
		if ok {
			persisted = append(persisted, s.sinks[i].Name())
		}
	}
	return persisted
}
