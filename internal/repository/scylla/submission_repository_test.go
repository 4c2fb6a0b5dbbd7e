package scylla

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-intake/internal/bucketing"
	"studio-intake/internal/config"
	"studio-intake/internal/submission"
)

func testRow() *submission.Row {
	company := "Acme Corp"
	return &submission.Row{
		ID:          "6f1c2d3e-4a5b-4c6d-8e7f-901a2b3c4d5e",
		FormName:    "project-request",
		ServiceType: "Web Systems",
		ProjectName: "Acme Site",
		Company:     &company,
		Email:       "a@acme.com",
		Description: "Build a site",
		KeyFeatures: "Blog, Shop",
		ProjectType: "web-app",
		Deadline:    "2025-06-01T00:00:00.000Z",
		Budget:      "10k-50k",
		SubmittedAt: "2025-03-04T10:30:15.250Z",
		Status:      submission.StatusPending,
	}
}

func testBuckets() *bucketing.BucketingManager {
	return bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{SubmissionBuckets: 32}})
}

func TestSubmissionRecordValues(t *testing.T) {
	rec, err := newSubmissionRecord(testRow(), testBuckets())
	require.NoError(t, err)

	values := rec.values()
	columns := strings.Split(submissionColumns, ",")
	require.Len(t, values, len(columns)+2)
	assert.Equal(t, strings.Count(insertSubmissionCQL, "?"), len(values))

	assert.Equal(t, "2025-03-04", values[1])
	assert.Equal(t, gocql.UUID(uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e7f-901a2b3c4d5e")), values[2])
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), rec.deadline)
	assert.Equal(t, time.Date(2025, 3, 4, 10, 30, 15, 250_000_000, time.UTC), rec.submittedAt)

	bucket, ok := values[0].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, bucket, 0)
	assert.Less(t, bucket, 32)

	// Absent optionals stay typed nil pointers so gocql binds nulls.
	assert.Equal(t, (*string)(nil), values[10])
	assert.Equal(t, (*int)(nil), values[22])
}

func TestSubmissionRecordRejectsBadRows(t *testing.T) {
	_, err := newSubmissionRecord(nil, testBuckets())
	assert.Error(t, err)

	row := testRow()
	row.ID = "not-a-uuid"
	_, err = newSubmissionRecord(row, testBuckets())
	assert.ErrorContains(t, err, "invalid submission id")

	row = testRow()
	row.SubmittedAt = "yesterday"
	_, err = newSubmissionRecord(row, testBuckets())
	assert.ErrorContains(t, err, "invalid submitted_at")
}

func TestFindReceiptRejectsMalformedID(t *testing.T) {
	repo := NewSubmissionRepository(nil, testBuckets())

	receipt, err := repo.FindReceipt(context.Background(), "../etc/passwd")
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, submission.ErrInvalidInput)
}
