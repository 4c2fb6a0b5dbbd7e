package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"studio-intake/internal/bucketing"
	"studio-intake/internal/submission"
	"studio-intake/internal/util"
)

const submissionColumns = `id, form_name, service_type, project_name, company, student_name,
        university, email, phone, description, key_features, project_type, tech_stack,
        integrations, requirements, timeline_phases, deadline, budget, urgency,
        preferred_timeline, team_size, portfolio_focus, is_student, submitted_at, status`

const (
	insertSubmissionCQL = `
    INSERT INTO submissions (submission_bucket, date_bucket, ` + submissionColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertSubmissionByIDCQL = `
    INSERT INTO submissions_by_id (id, submission_bucket, date_bucket, form_name, submitted_at)
    VALUES (?, ?, ?, ?, ?)`

	getSubmissionByIDCQL = `
    SELECT form_name, submitted_at FROM submissions_by_id WHERE id = ?`
)

// SubmissionRepository is the primary store for submission rows.
type SubmissionRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewSubmissionRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *SubmissionRepository {
	return &SubmissionRepository{client: client, buckets: buckets}
}

func (r *SubmissionRepository) Name() string { return "scylla" }

// Save writes the row and its id lookup in one logged batch.
func (r *SubmissionRepository) Save(ctx context.Context, row *submission.Row) error {
	rec, err := newSubmissionRecord(row, r.buckets)
	if err != nil {
		return err
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.InsertSubmission.Statement(), rec.values()...)
	batch.Query(r.client.Prepared.InsertSubmissionByID.Statement(),
		rec.id, rec.bucket.SubmissionBucket, rec.bucket.DateBucket, row.FormName, rec.submittedAt)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save submission",
			zap.String("submission_id", row.ID),
			zap.String("form", row.FormName),
			zap.Error(err))
		return fmt.Errorf("failed to save submission: %w", err)
	}

	util.Debug("Submission saved",
		zap.String("submission_id", row.ID),
		zap.Int("bucket", rec.bucket.SubmissionBucket))
	return nil
}

// FindReceipt confirms a stored submission through the id lookup table.
func (r *SubmissionRepository) FindReceipt(ctx context.Context, id string) (*submission.Receipt, error) {
	gid, err := gocql.ParseUUID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: submission id %q", submission.ErrInvalidInput, id)
	}

	receipt := &submission.Receipt{ID: gid.String()}
	err = r.client.Session.Query(r.client.Prepared.GetSubmissionByID.Statement(), gid).WithContext(ctx).
		Scan(&receipt.FormName, &receipt.SubmittedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", submission.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	receipt.SubmittedAt = receipt.SubmittedAt.UTC()
	return receipt, nil
}

func (r *SubmissionRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// submissionRecord is a row converted to CQL column types.
type submissionRecord struct {
	row         *submission.Row
	id          gocql.UUID
	bucket      bucketing.BucketAssignment
	deadline    time.Time
	submittedAt time.Time
}

func newSubmissionRecord(row *submission.Row, buckets *bucketing.BucketingManager) (*submissionRecord, error) {
	if row == nil {
		return nil, errors.New("nil submission row")
	}
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid submission id %q: %w", row.ID, err)
	}
	deadline, err := time.Parse(time.RFC3339Nano, row.Deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline %q: %w", row.Deadline, err)
	}
	submittedAt, err := time.Parse(time.RFC3339Nano, row.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid submitted_at %q: %w", row.SubmittedAt, err)
	}

	return &submissionRecord{
		row:         row,
		id:          gocql.UUID(id),
		bucket:      buckets.GetBucketAssignment(id, submittedAt),
		deadline:    deadline,
		submittedAt: submittedAt,
	}, nil
}

// values follows the column order of insertSubmissionCQL. Nil pointers
// bind as CQL nulls.
func (rec *submissionRecord) values() []interface{} {
	row := rec.row
	return []interface{}{
		rec.bucket.SubmissionBucket, rec.bucket.DateBucket,
		rec.id, row.FormName, row.ServiceType, row.ProjectName, row.Company, row.StudentName,
		row.University, row.Email, row.Phone, row.Description, row.KeyFeatures, row.ProjectType, row.TechStack,
		row.Integrations, row.Requirements, row.TimelinePhases, rec.deadline, row.Budget, row.Urgency,
		row.PreferredTimeline, row.TeamSize, row.PortfolioFocus, row.IsStudent, rec.submittedAt, row.Status,
	}
}
