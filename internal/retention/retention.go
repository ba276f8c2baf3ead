// Package retention enforces per-stream data retention. Each tick it turns
// the streams' retention windows into day-sized deletion units persisted in
// the metadata store, executes pending units cluster-wide, and physically
// reclaims tombstoned objects once their grace period passes.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/distlock"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/dump"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/kv"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// Config tunes the retention loop.
type Config struct {
	// Interval is the pause between retention ticks.
	Interval time.Duration
	// DataRetentionDays is the global retention window for streams without
	// an override. Zero disables retention for such streams.
	DataRetentionDays int64
	// ExtendedRetentionDays bounds how close to the retention horizon an
	// extended-retention window may still shield data. Zero means no bound.
	ExtendedRetentionDays int64
	// JanitorBatch caps pending-delete entries reclaimed per pass.
	JanitorBatch int
}

const defaultJanitorBatch = 1000

// Deps bundles the backends retention touches. Cache and Archive may be nil.
type Deps struct {
	Catalog filelist.Store
	Store   storage.ObjectStore
	Cache   *storage.DiskCache
	Archive *dump.Archive
	Writer  *filelist.Writer
	Meta    kv.Store
	Locker  distlock.Locker
}

// Engine generates and executes deletion units. Any number of nodes may run
// engines concurrently; the per-unit lock keeps a unit from running twice.
type Engine struct {
	deps     Deps
	registry schema.Registry
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func NewEngine(deps Deps, registry schema.Registry, cfg Config) *Engine {
	return &Engine{
		deps:     deps,
		registry: registry,
		cfg:      cfg,
		log:      logging.Component("retention"),
		now:      time.Now,
	}
}

// Run ticks immediately, then on every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := e.log.With("correlation_id", correlationID)

	streams, err := e.registry.Streams(ctx)
	if err != nil {
		log.Error("list streams failed", "error", err)
		return
	}
	for _, stream := range streams {
		if ctx.Err() != nil {
			return
		}
		if err := e.GenerateRetentionJob(ctx, stream); err != nil {
			log.Error("retention job generation failed", "stream", stream.String(), "error", err)
		}
	}

	units, err := e.PendingUnits(ctx)
	if err != nil {
		log.Error("list retention units failed", "error", err)
		return
	}
	for _, unit := range units {
		if ctx.Err() != nil {
			return
		}
		if err := e.runUnit(ctx, unit); err != nil {
			log.Error("retention unit failed", "stream", unit.Stream.String(), "range", unit.Range.String(), "error", err)
		}
	}

	if _, err := e.CleanDeletedFiles(ctx); err != nil {
		log.Error("pending delete cleanup failed", "error", err)
	}
}

// GenerateRetentionJob enqueues one deletion unit per calendar day of stream
// data past its retention horizon, skipping extended-retention windows.
// Units land in the metadata store; execution happens separately so any node
// can pick them up.
func (e *Engine) GenerateRetentionJob(ctx context.Context, stream filelist.StreamRef) error {
	settings, err := e.registry.Settings(ctx, stream)
	if err != nil {
		return fmt.Errorf("stream settings: %w", err)
	}
	retention := settings.RetentionDays
	if retention == 0 {
		retention = e.cfg.DataRetentionDays
	}
	if retention <= 0 {
		return nil
	}

	now := e.now().UTC().UnixMicro()
	lifecycleEnd := timerange.TruncateDay(now - retention*timerange.DayMicros)

	minTS, err := e.deps.Catalog.MinTS(ctx, stream, nil)
	if err != nil {
		return fmt.Errorf("catalog min ts: %w", err)
	}
	if e.deps.Archive != nil {
		archived, err := e.deps.Archive.MinTS(ctx, stream)
		if err != nil {
			return fmt.Errorf("archive min ts: %w", err)
		}
		if archived != 0 && (minTS == 0 || archived < minTS) {
			minTS = archived
		}
	}
	if minTS == 0 {
		return nil
	}

	base := timerange.Range{Start: timerange.TruncateDay(minTS), End: lifecycleEnd}
	if base.IsEmpty() {
		return nil
	}

	eligible := timerange.Subtract(base, e.protected(settings.ExtendedRetentions, base, lifecycleEnd))

	units := 0
	for _, sub := range eligible {
		// Skip leading catalog-empty days. With an archive the oldest days
		// may live only there, so every day stays eligible.
		if e.deps.Archive == nil {
			min, err := e.deps.Catalog.MinTS(ctx, stream, &sub)
			if err != nil {
				return fmt.Errorf("catalog min ts: %w", err)
			}
			if day := timerange.TruncateDay(min); min > 0 && day > sub.Start {
				sub.Start = day
			}
		}
		for _, unit := range timerange.Days(sub) {
			if err := e.markPending(ctx, Unit{Stream: stream, Range: unit}); err != nil {
				return err
			}
			units++
		}
	}
	if units > 0 {
		e.log.Info("retention units enqueued",
			"stream", stream.String(),
			"units", units,
			"lifecycle_end", time.UnixMicro(lifecycleEnd).UTC().Format("2006-01-02"))
	}
	return nil
}

// protected clips the stream's extended-retention windows to the part of the
// deletion range they may shield. A window cannot shield the newest
// ExtendedRetentionDays days before the horizon: exclusions must be in place
// before data approaches it.
func (e *Engine) protected(exclusions []timerange.Range, base timerange.Range, lifecycleEnd int64) []timerange.Range {
	if len(exclusions) == 0 {
		return nil
	}
	bounds := base
	if e.cfg.ExtendedRetentionDays > 0 {
		if limit := lifecycleEnd - e.cfg.ExtendedRetentionDays*timerange.DayMicros; limit < bounds.End {
			bounds.End = limit
		}
	}
	var out []timerange.Range
	for _, ex := range timerange.Flatten(exclusions) {
		if clipped, ok := ex.Clip(bounds); ok {
			out = append(out, clipped)
		}
	}
	return out
}
