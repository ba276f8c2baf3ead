package compact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/cluster"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/distlock"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// GeneratorConfig tunes job generation.
type GeneratorConfig struct {
	// MaxFileRetention is how long the ingest layer may hold rows in its
	// write-ahead buffers. An hour is only merged once it is at least three
	// retention windows old.
	MaxFileRetention time.Duration
	// OldDataMinHours is the near edge of the old-data scan window, in hours
	// behind the merge watermark.
	OldDataMinHours int64
	// OldDataMaxDays caps how far back the old-data scan reaches. Zero
	// disables old-data jobs.
	OldDataMaxDays int64
	// DataRetentionDays is the global retention default for streams without
	// an override.
	DataRetentionDays int64
}

// Generator turns stream state into merge jobs. Any number of nodes may run
// generators concurrently; the per-stream watermark claim keeps them from
// stepping on each other.
type Generator struct {
	catalog  filelist.Store
	registry schema.Registry
	locker   distlock.Locker
	nodes    cluster.Registry
	cfg      GeneratorConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewGenerator(catalog filelist.Store, registry schema.Registry, locker distlock.Locker, nodes cluster.Registry, cfg GeneratorConfig) *Generator {
	return &Generator{
		catalog:  catalog,
		registry: registry,
		locker:   locker,
		nodes:    nodes,
		cfg:      cfg,
		log:      logging.Component("generator"),
		now:      time.Now,
	}
}

// GenerateMergeJob advances stream's merge watermark by one hour, enqueueing
// a job for the hour it leaves behind. Hours the ingest layer may still
// flush into are left alone.
func (g *Generator) GenerateMergeJob(ctx context.Context, stream filelist.StreamRef) error {
	offset, ok, err := g.claim(ctx, stream.OffsetKey())
	if err != nil || !ok {
		return err
	}
	if offset == 0 {
		offset, err = g.seedOffset(ctx, stream)
		if err != nil || offset == 0 {
			return err
		}
	}
	offset = timerange.TruncateHour(offset)

	if !g.hourReady(offset, g.now().UTC().UnixMicro()) {
		return nil
	}

	if _, err := g.catalog.AddJob(ctx, stream, offset); err != nil {
		return fmt.Errorf("enqueue merge job: %w", err)
	}
	if m := metrics.Get(); m != nil {
		m.IncJobsGenerated(stream.Org, string(stream.Type), "merge")
	}

	next := filelist.Offset{Micros: offset + timerange.HourMicros, Node: g.nodes.Self().ID}
	if err := g.catalog.SetOffset(ctx, stream.OffsetKey(), next); err != nil {
		return fmt.Errorf("advance offset: %w", err)
	}
	return nil
}

// GenerateOldDataJobs enqueues jobs for hours behind the merge watermark
// that received late writes. The watermark does not move: old-data merges
// repeat until retention removes the hours.
func (g *Generator) GenerateOldDataJobs(ctx context.Context, stream filelist.StreamRef) error {
	if g.cfg.OldDataMaxDays <= 0 {
		return nil
	}
	offset, ok, err := g.claim(ctx, stream.OffsetKey())
	if err != nil || !ok {
		return err
	}
	if offset == 0 {
		// Nothing merged yet, so nothing can be behind the watermark.
		return nil
	}
	offset = timerange.TruncateHour(offset)

	settings, err := g.registry.Settings(ctx, stream)
	if err != nil {
		return fmt.Errorf("stream settings: %w", err)
	}
	retention := settings.RetentionDays
	if retention == 0 {
		retention = g.cfg.DataRetentionDays
	}
	if retention > g.cfg.OldDataMaxDays {
		retention = g.cfg.OldDataMaxDays
	}
	if retention <= 0 {
		return nil
	}

	window := timerange.Range{
		Start: offset - retention*timerange.DayMicros,
		End:   offset - g.cfg.OldDataMinHours*timerange.HourMicros,
	}
	if window.IsEmpty() {
		return nil
	}

	hours, err := g.catalog.QueryOldDataHours(ctx, stream, window)
	if err != nil {
		return fmt.Errorf("query old data hours: %w", err)
	}
	for _, dir := range hours {
		ts, err := filelist.ParseHourDir(dir)
		if err != nil {
			g.log.Warn("skipping malformed hour directory", "stream", stream.String(), "hour", dir, "error", err)
			continue
		}
		if _, err := g.catalog.AddJob(ctx, stream, ts); err != nil {
			return fmt.Errorf("enqueue old data job: %w", err)
		}
		if m := metrics.Get(); m != nil {
			m.IncJobsGenerated(stream.Org, string(stream.Type), "old_data")
		}
	}
	return nil
}

// GenerateDownsamplingJob advances the per-rule downsampling watermark by
// one day, enqueueing a job for the day it leaves behind. The day must be
// past both the ingest window and the rule's own age gate.
func (g *Generator) GenerateDownsamplingJob(ctx context.Context, stream filelist.StreamRef, rule *DownsamplingRule) error {
	if !rule.Matches(stream) {
		return nil
	}
	key := stream.DownsamplingOffsetKey(rule.StepSeconds)
	offset, ok, err := g.claim(ctx, key)
	if err != nil || !ok {
		return err
	}
	if offset == 0 {
		offset, err = g.seedOffset(ctx, stream)
		if err != nil || offset == 0 {
			return err
		}
	}
	offset = timerange.TruncateDay(offset)

	now := g.now().UTC().UnixMicro()
	if now-offset < 3*g.cfg.MaxFileRetention.Microseconds()+timerange.DayMicros {
		return nil
	}
	if now-rule.OffsetSeconds*1_000_000 < offset {
		return nil
	}

	if _, err := g.catalog.AddJob(ctx, stream, offset); err != nil {
		return fmt.Errorf("enqueue downsampling job: %w", err)
	}
	if m := metrics.Get(); m != nil {
		m.IncJobsGenerated(stream.Org, string(stream.Type), "downsampling")
	}

	next := filelist.Offset{Micros: offset + timerange.DayMicros, Node: g.nodes.Self().ID}
	if err := g.catalog.SetOffset(ctx, key, next); err != nil {
		return fmt.Errorf("advance downsampling offset: %w", err)
	}
	return nil
}

// claim takes ownership of the watermark at key. It returns the current
// offset and whether this node may generate from it: another live node's
// claim wins, a dead owner's watermark is taken over. The lock is held only
// for the read-check-write window.
func (g *Generator) claim(ctx context.Context, key string) (int64, bool, error) {
	self := g.nodes.Self().ID

	off, err := g.catalog.GetOffset(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("get offset %s: %w", key, err)
	}
	owned, err := g.ownedElsewhere(ctx, off, self)
	if err != nil || owned {
		return 0, false, err
	}

	unlock, err := g.locker.Lock(ctx, "/compact/merge/"+key)
	if err != nil {
		return 0, false, fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil {
			g.log.Warn("unlock failed", "key", key, "error", uerr)
		}
	}()

	// Re-read under the lock: another node may have claimed between the
	// first read and here.
	off, err = g.catalog.GetOffset(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("get offset %s: %w", key, err)
	}
	owned, err = g.ownedElsewhere(ctx, off, self)
	if err != nil || owned {
		return 0, false, err
	}
	if off.Node != self {
		if err := g.catalog.SetOffset(ctx, key, filelist.Offset{Micros: off.Micros, Node: self}); err != nil {
			return 0, false, fmt.Errorf("claim offset %s: %w", key, err)
		}
	}
	return off.Micros, true, nil
}

func (g *Generator) ownedElsewhere(ctx context.Context, off filelist.Offset, self string) (bool, error) {
	if off.Node == "" || off.Node == self {
		return false, nil
	}
	alive, err := g.nodes.IsAlive(ctx, off.Node)
	if err != nil {
		return false, fmt.Errorf("check node %s: %w", off.Node, err)
	}
	return alive, nil
}

// hourReady reports whether the hour starting at offset may merge: the
// current hour never merges, and neither does anything the ingest
// write-ahead window may still flush into.
func (g *Generator) hourReady(offset, now int64) bool {
	if offset >= timerange.TruncateHour(now) {
		return false
	}
	return now-offset > 3*g.cfg.MaxFileRetention.Microseconds()
}

// seedOffset starts a fresh watermark at the stream's creation time.
func (g *Generator) seedOffset(ctx context.Context, stream filelist.StreamRef) (int64, error) {
	settings, err := g.registry.Settings(ctx, stream)
	if err != nil {
		return 0, fmt.Errorf("stream settings: %w", err)
	}
	return settings.CreatedAt, nil
}
