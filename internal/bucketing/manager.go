package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"studio-intake/internal/config"
)

const defaultSubmissionBuckets = 64

// BucketingManager spreads submissions over a fixed number of Scylla
// partitions. Buckets are stable for a given ID.
type BucketingManager struct {
	submissionBuckets int
	hasherPool        sync.Pool
}

// BucketAssignment is where a submission row lives.
type BucketAssignment struct {
	SubmissionBucket int    `json:"submission_bucket"`
	DateBucket       string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return newManager(cfg.Bucketing.SubmissionBuckets)
}

func newManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = defaultSubmissionBuckets
	}
	return &BucketingManager{
		submissionBuckets: buckets,
		hasherPool: sync.Pool{
			New: func() interface{} { return murmur3.New64() },
		},
	}
}

// GetSubmissionBucket returns a bucket in [0, submissionBuckets).
func (bm *BucketingManager) GetSubmissionBucket(id uuid.UUID) int {
	return bm.getBucket(id[:])
}

// GetDateBucket returns the UTC day a submission belongs to.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetBucketAssignment(id uuid.UUID, submittedAt time.Time) BucketAssignment {
	return BucketAssignment{
		SubmissionBucket: bm.GetSubmissionBucket(id),
		DateBucket:       bm.GetDateBucket(submittedAt),
	}
}

func (bm *BucketingManager) GetSubmissionBuckets() int {
	return bm.submissionBuckets
}

func (bm *BucketingManager) getBucket(key []byte) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write(key)
	return int(hasher.Sum64() % uint64(bm.submissionBuckets))
}
