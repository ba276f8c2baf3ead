package retention

import (
	"context"
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/index"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// DeleteAll removes every trace of the stream: live catalog entries are
// tombstoned, the archived file list and the local disk cache are purged,
// and the stream's aggregate stats row is recomputed.
func (e *Engine) DeleteAll(ctx context.Context, stream filelist.StreamRef) error {
	// Two extra days past today so in-flight writes landing during the
	// deletion still fall inside the range.
	all := timerange.Range{End: timerange.TruncateDay(e.now().UTC().UnixMicro()) + 2*timerange.DayMicros}

	if _, err := e.deleteFromFileList(ctx, stream, all); err != nil {
		return err
	}
	if e.deps.Archive != nil {
		if err := e.deleteArchived(ctx, stream, all); err != nil {
			return err
		}
	}
	if e.deps.Cache != nil {
		e.deps.Cache.RemovePrefix(filelist.StreamPrefix(stream))
	}
	if err := e.deps.Catalog.RefreshStats(ctx, stream); err != nil {
		return fmt.Errorf("refresh stream stats: %w", err)
	}
	if err := e.deps.Catalog.CompleteManualJobs(ctx, stream, all); err != nil {
		return fmt.Errorf("complete manual deletion jobs: %w", err)
	}
	e.log.Info("stream data deleted",
		"org", stream.Org, "stream_type", string(stream.Type), "stream_name", stream.Name)
	return nil
}

// DeleteByDate removes the stream's data inside tr. Live entries are
// tombstoned through the writer; entries that only exist in the archived
// file list feed the pending-deletion table directly before their archive
// days are dropped.
func (e *Engine) DeleteByDate(ctx context.Context, stream filelist.StreamRef, tr timerange.Range) error {
	if tr.IsEmpty() {
		return nil
	}
	if _, err := e.deleteFromFileList(ctx, stream, tr); err != nil {
		return err
	}
	if e.deps.Archive != nil {
		if err := e.deleteArchived(ctx, stream, tr); err != nil {
			return err
		}
	}
	if e.deps.Cache != nil {
		prefix := filelist.StreamPrefix(stream)
		for _, dir := range filelist.HoursOf(tr) {
			e.deps.Cache.RemovePrefix(prefix + dir + "/")
		}
	}
	if dropped, err := e.registry.ArchiveBefore(ctx, stream, tr.End); err != nil {
		return fmt.Errorf("archive schema revisions: %w", err)
	} else if dropped > 0 {
		e.log.Debug("schema revisions archived",
			"org", stream.Org, "stream_name", stream.Name, "count", dropped)
	}
	if err := e.deps.Catalog.RefreshStats(ctx, stream); err != nil {
		return fmt.Errorf("refresh stream stats: %w", err)
	}
	if err := e.deps.Catalog.CompleteManualJobs(ctx, stream, tr); err != nil {
		return fmt.Errorf("complete manual deletion jobs: %w", err)
	}
	return nil
}

// deleteArchived schedules physical deletion for archived-only entries in tr
// and then drops the covered archive days. Archived entries never pass
// through the writer again, so AddDeleted is called directly.
func (e *Engine) deleteArchived(ctx context.Context, stream filelist.StreamRef, tr timerange.Range) error {
	days, err := e.deps.Archive.Days(ctx, stream)
	if err != nil {
		return err
	}
	plannedAt := e.now().UTC().UnixMicro()
	for _, day := range days {
		if !tr.Intersects(timerange.Range{Start: day, End: day + timerange.DayMicros}) {
			continue
		}
		entries, err := e.deps.Archive.ReadDay(ctx, stream, day)
		if err != nil {
			return fmt.Errorf("read archived day: %w", err)
		}
		var doomed []filelist.FileKey
		for _, entry := range entries {
			if entry.Deleted {
				continue
			}
			parsed, err := filelist.ParseKey(entry.Key)
			if err != nil {
				continue
			}
			if tr.Contains(timerange.HourOf(parsed.HourStart)) {
				doomed = append(doomed, entry)
			}
		}
		if len(doomed) == 0 {
			continue
		}
		if err := e.deps.Catalog.AddDeleted(ctx, doomed, plannedAt); err != nil {
			return fmt.Errorf("schedule archived entries for deletion: %w", err)
		}
	}
	if err := e.deps.Archive.DeleteRange(ctx, stream, tr); err != nil {
		return fmt.Errorf("drop archived days: %w", err)
	}
	return nil
}

// deleteFromFileList tombstones the live entries of stream inside tr, one
// writer batch per hour directory.
func (e *Engine) deleteFromFileList(ctx context.Context, stream filelist.StreamRef, tr timerange.Range) (int, error) {
	files, err := e.deps.Catalog.Query(ctx, stream, tr)
	if err != nil {
		return 0, fmt.Errorf("query files for deletion: %w", err)
	}
	if len(files) == 0 {
		return 0, nil
	}
	byHour := make(map[string][]filelist.FileKey)
	for _, f := range files {
		parsed, err := filelist.ParseKey(f.Key)
		if err != nil {
			return 0, err
		}
		dir := filelist.HourDir(parsed.HourStart)
		byHour[dir] = append(byHour[dir], f.Tombstone())
	}
	dirs := make([]string, 0, len(byHour))
	for dir := range byHour {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := e.deps.Writer.Write(ctx, byHour[dir]); err != nil {
			return 0, fmt.Errorf("tombstone hour %s: %w", dir, err)
		}
	}
	if m := metrics.Get(); m != nil {
		m.RetentionDeletedFiles.WithLabelValues(stream.Org, string(stream.Type)).Add(float64(len(files)))
	}
	e.log.Info("files tombstoned",
		"org", stream.Org, "stream_name", stream.Name, "range", tr.String(), "files", len(files))
	return len(files), nil
}

// CleanDeletedFiles reclaims objects whose tombstone grace period has
// passed. Failed deletes stay queued and retry on the next pass.
func (e *Engine) CleanDeletedFiles(ctx context.Context) (int, error) {
	batch := e.cfg.JanitorBatch
	if batch <= 0 {
		batch = defaultJanitorBatch
	}
	entries, err := e.deps.Catalog.QueryDeleted(ctx, e.now().UTC().UnixMicro(), batch)
	if err != nil {
		return 0, fmt.Errorf("query pending deletes: %w", err)
	}
	var reclaimed []int64
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := e.deps.Store.Delete(ctx, entry.Key); err != nil {
			e.log.Warn("object delete failed", "key", entry.Key, "error", err)
			continue
		}
		if entry.Meta.IndexSize > 0 {
			if err := e.deps.Store.Delete(ctx, index.IndexKey(entry.Key)); err != nil {
				e.log.Warn("index delete failed", "key", entry.Key, "error", err)
				continue
			}
		}
		reclaimed = append(reclaimed, entry.ID)
	}
	if len(reclaimed) > 0 {
		if err := e.deps.Catalog.RemoveDeleted(ctx, reclaimed); err != nil {
			return 0, fmt.Errorf("clear pending deletes: %w", err)
		}
		e.log.Info("objects reclaimed", "count", len(reclaimed), "pending", len(entries)-len(reclaimed))
	}
	if m := metrics.Get(); m != nil {
		m.PendingDeletes.Set(float64(len(entries) - len(reclaimed)))
	}
	return len(reclaimed), nil
}
