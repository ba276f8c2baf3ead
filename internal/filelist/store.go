package filelist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("merge job not found")
)

// Store is the file-list catalog contract. One implementation backs the whole
// cluster (postgres); the memory implementation serves tests and single-node
// runs.
type Store interface {
	// BatchProcess applies a mixed batch of inserts and tombstones
	// atomically: entries with Deleted=false are upserted as live files,
	// entries with Deleted=true are marked tombstoned.
	BatchProcess(ctx context.Context, events []FileKey) error

	// Query returns the live (non-tombstoned) files of stream whose hour
	// directory falls inside tr.
	Query(ctx context.Context, stream StreamRef, tr timerange.Range) ([]FileKey, error)

	// QueryOldDataHours returns the distinct hour directories inside tr that
	// still hold live files, oldest first.
	QueryOldDataHours(ctx context.Context, stream StreamRef, tr timerange.Range) ([]string, error)

	// MinTS returns the smallest min_ts among live files of stream,
	// optionally restricted to scope. Zero means the stream has no data.
	MinTS(ctx context.Context, stream StreamRef, scope *timerange.Range) (int64, error)

	// IDsByKeys resolves persisted ids for the given object keys.
	IDsByKeys(ctx context.Context, keys []string) (map[string]int64, error)

	// RemoveEntries hard-deletes catalog rows by object key. Used when the
	// underlying object is already gone upstream; tombstoning would schedule
	// pointless physical deletes.
	RemoveEntries(ctx context.Context, keys []string) error

	// GetOffset reads a watermark record. A missing record returns a zero
	// Offset and no error.
	GetOffset(ctx context.Context, key string) (Offset, error)
	// SetOffset writes a watermark record.
	SetOffset(ctx context.Context, key string, off Offset) error

	// AddJob enqueues one merge job for (stream, offset). Enqueueing the
	// same bucket twice yields the same job: a pending or running job is
	// returned as-is, a done job flips back to pending.
	AddJob(ctx context.Context, stream StreamRef, offset int64) (int64, error)
	// LeaseJobs claims up to limit runnable jobs for node and marks them
	// running. Jobs stuck in running longer than runTimeout are considered
	// abandoned and lease again.
	LeaseJobs(ctx context.Context, node string, limit int, runTimeout time.Duration) ([]MergeJob, error)
	// SetJobDone marks jobs completed.
	SetJobDone(ctx context.Context, ids []int64) error
	// SetJobError records a failure message and returns the job to pending
	// for a later lease.
	SetJobError(ctx context.Context, id int64, msg string) error

	// AddDeleted records tombstoned entries in the pending physical deletion
	// table; plannedAt is the µs timestamp after which the janitor may
	// reclaim the objects.
	AddDeleted(ctx context.Context, entries []FileKey, plannedAt int64) error
	// QueryDeleted returns up to limit pending-deletion entries whose
	// planned time is at or before cutoff.
	QueryDeleted(ctx context.Context, cutoff int64, limit int) ([]FileKey, error)
	// RemoveDeleted clears pending-deletion bookkeeping after the janitor
	// reclaimed the objects.
	RemoveDeleted(ctx context.Context, ids []int64) error
	// AddHistory records entries in the long-term history table. Used
	// instead of AddDeleted when the deployment keeps full file history.
	AddHistory(ctx context.Context, entries []FileKey) error

	// CompleteManualJobs marks user-requested deletion jobs done when their
	// range is fully covered by tr.
	CompleteManualJobs(ctx context.Context, stream StreamRef, tr timerange.Range) error

	// RefreshStats recomputes the stream's aggregate statistics row.
	RefreshStats(ctx context.Context, stream StreamRef) error

	Close() error
}

// SumOriginalSize folds the original byte size over files.
func SumOriginalSize(files []FileKey) int64 {
	var n int64
	for _, f := range files {
		n += f.Meta.OriginalSize
	}
	return n
}

// ValidateEvents rejects batches the writer must never accept.
func ValidateEvents(events []FileKey) error {
	for _, e := range events {
		if e.Key == "" {
			return fmt.Errorf("file event without key")
		}
		if _, err := ParseKey(e.Key); err != nil {
			return err
		}
	}
	return nil
}
