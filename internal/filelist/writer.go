package filelist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
)

// DeletedMode selects how tombstoned entries are bookkept alongside the main
// table.
type DeletedMode string

const (
	// ModeDeleted queues tombstones for deferred physical deletion.
	ModeDeleted DeletedMode = "deleted"
	// ModeHistory records tombstones in the long-term history table instead;
	// objects are never reclaimed automatically.
	ModeHistory DeletedMode = "history"
)

// ParseDeletedMode maps a config token to a DeletedMode, defaulting to
// deleted.
func ParseDeletedMode(s string) DeletedMode {
	if DeletedMode(s) == ModeHistory {
		return ModeHistory
	}
	return ModeDeleted
}

// Broadcaster pushes file-list changes to other cluster nodes so their
// in-memory caches stay consistent. Implementations live in the cluster
// package.
type Broadcaster interface {
	FileListChanged(ctx context.Context, events []FileKey) error
}

// WriterConfig tunes the shared transactional writer.
type WriterConfig struct {
	// Mode selects tombstone bookkeeping (deleted | history).
	Mode DeletedMode
	// DeleteDelay is how long tombstoned objects stay reclaimable-after-grace
	// before the janitor may remove them.
	DeleteDelay time.Duration
	// Broadcast enables cross-node cache invalidation after a successful
	// write.
	Broadcast bool
}

// Writer applies mixed new/tombstone event batches to the catalog with a
// fixed retry policy. A batch either lands completely or the Write call
// fails; callers must not advance job or offset state on failure.
type Writer struct {
	store      Store
	broadcast  Broadcaster
	cfg        WriterConfig
	newBackoff func() backoff.BackOff
	now        func() time.Time
	log        *slog.Logger
}

// NewWriter builds a Writer with the standard policy of five attempts spaced
// one second apart.
func NewWriter(store Store, bc Broadcaster, cfg WriterConfig) *Writer {
	return &Writer{
		store:     store,
		broadcast: bc,
		cfg:       cfg,
		newBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 4)
		},
		now: time.Now,
		log: logging.Component("filelist-writer"),
	}
}

// Write upserts all events atomically and records tombstone bookkeeping,
// retrying the whole sequence on transient failure. On success it back-fills
// catalog ids for new entries and broadcasts the batch when configured.
func (w *Writer) Write(ctx context.Context, events []FileKey) error {
	if len(events) == 0 {
		return nil
	}
	if err := ValidateEvents(events); err != nil {
		return err
	}

	var deleted []FileKey
	for _, e := range events {
		if e.Deleted {
			deleted = append(deleted, e)
		}
	}

	op := func() error {
		if err := w.store.BatchProcess(ctx, events); err != nil {
			return fmt.Errorf("batch process: %w", err)
		}
		if len(deleted) == 0 {
			return nil
		}
		if w.cfg.Mode == ModeHistory {
			if err := w.store.AddHistory(ctx, deleted); err != nil {
				return fmt.Errorf("record history: %w", err)
			}
			return nil
		}
		plannedAt := w.now().Add(w.cfg.DeleteDelay).UnixMicro()
		if err := w.store.AddDeleted(ctx, deleted, plannedAt); err != nil {
			return fmt.Errorf("record pending deletes: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(w.newBackoff(), ctx)); err != nil {
		return fmt.Errorf("write file list events: %w", err)
	}

	if w.cfg.Broadcast && w.broadcast != nil {
		w.notify(ctx, events)
	}
	return nil
}

// notify back-fills ids for new entries and pushes the batch to peers. The
// catalog write already succeeded, so a broadcast failure only degrades peer
// caches; it is logged and swallowed.
func (w *Writer) notify(ctx context.Context, events []FileKey) {
	var newKeys []string
	for _, e := range events {
		if !e.Deleted && e.ID == 0 {
			newKeys = append(newKeys, e.Key)
		}
	}
	if len(newKeys) > 0 {
		ids, err := w.store.IDsByKeys(ctx, newKeys)
		if err != nil {
			w.log.Warn("fetch ids for broadcast failed", "error", err)
		} else {
			for i := range events {
				if id, ok := ids[events[i].Key]; ok && events[i].ID == 0 {
					events[i].ID = id
				}
			}
		}
	}
	if err := w.broadcast.FileListChanged(ctx, events); err != nil {
		w.log.Warn("file list broadcast failed", "events", len(events), "error", err)
	}
}
