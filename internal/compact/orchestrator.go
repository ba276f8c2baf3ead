// Package compact generates, plans, and executes the merge jobs that fold
// many small columnar files into few large ones, downsampling old metrics
// data along the way.
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/merger"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// MergeConfig tunes batch planning and execution.
type MergeConfig struct {
	// MaxFileSize caps a batch's accumulated original bytes at planning time
	// and both its original and compressed bytes at execution time.
	MaxFileSize int64
	// MaxGroupFiles caps a batch's member count. Zero means no cap.
	MaxGroupFiles int64
	// Strategy orders a partition's files before packing.
	Strategy MergeStrategy
	// Workers sizes the per-job merge worker pool and bounds the partition
	// fan-out. Values below two are raised to two.
	Workers int
	// IndexEnabled turns on inverted index building for merged output.
	IndexEnabled bool
}

// Compactor executes merge jobs end to end.
type Compactor struct {
	deps     Deps
	registry schema.Registry
	writer   *filelist.Writer
	rules    *Rules
	cfg      MergeConfig
	now      func() time.Time
}

func NewCompactor(deps Deps, registry schema.Registry, writer *filelist.Writer, rules *Rules, cfg MergeConfig) *Compactor {
	return &Compactor{
		deps:     deps,
		registry: registry,
		writer:   writer,
		rules:    rules,
		cfg:      cfg,
		now:      time.Now,
	}
}

// MergeByStream runs one merge job: derive the job's time window, plan
// batches per partition, fan the batches out to a bounded worker pool, and
// commit each batch's catalog events as it completes. The caller owns job
// state; a nil return means the job may be marked done.
func (c *Compactor) MergeByStream(ctx context.Context, job filelist.MergeJob) error {
	stream := job.Stream
	log := logging.JobLogger(logging.CorrelationID(ctx), stream.Org, string(stream.Type), stream.Name, job.ID, job.Offset)
	start := c.now()

	latest, err := c.registry.Latest(ctx, stream)
	if errors.Is(err, schema.ErrStreamNotFound) {
		log.Info("stream has no schema, nothing to merge")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest schema: %w", err)
	}
	settings, err := c.registry.Settings(ctx, stream)
	if err != nil {
		return fmt.Errorf("stream settings: %w", err)
	}

	dsRule := c.rules.Largest(stream, job.Offset, c.now().UTC().UnixMicro())
	tr := jobRange(job.Offset, settings.PartitionLevel, dsRule != nil)

	files, err := c.deps.Catalog.Query(ctx, stream, tr)
	if err != nil {
		return fmt.Errorf("query files: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	plans := planPartitions(files, c.cfg.Strategy, c.cfg.MaxFileSize, c.cfg.MaxGroupFiles, dsRule != nil)
	if len(plans) == 0 {
		log.Debug("no partition needs merging", "files", len(files))
		return nil
	}

	var ds *merger.Downsampling
	if dsRule != nil {
		ds = dsRule.Downsampling()
		log.Info("downsampling window", "step", dsRule.StepSeconds, "function", string(ds.Function))
	}

	workers := c.cfg.Workers
	if workers < 2 {
		workers = 2
	}
	requests := make(chan batchRequest)
	pool := &workerPool{deps: c.deps, cfg: c.cfg, requests: requests}
	var poolWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		poolWG.Add(1)
		go func(id int) {
			defer poolWG.Done()
			pool.run(ctx, id)
		}(i)
	}

	// Partitions are independent: one failing must not cancel the rest, so
	// collect the first error instead of propagating cancellation.
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, plan := range plans {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}
		wg.Add(1)
		go func(plan partitionPlan) {
			defer wg.Done()
			defer sem.Release(1)
			if err := c.runPartition(ctx, log, requests, stream, latest, settings, ds, plan); err != nil {
				fail(err)
			}
		}(plan)
	}
	wg.Wait()
	close(requests)
	poolWG.Wait()

	if firstErr != nil {
		return firstErr
	}
	took := c.now().Sub(start)
	if m := metrics.Get(); m != nil {
		m.ObserveMergeDuration(stream.Org, string(stream.Type), took.Seconds())
	}
	log.Info("merge job finished", "files", len(files), "partitions", len(plans), "took", took.String())
	return nil
}

// runPartition feeds one partition's batches to the pool and commits results
// as they arrive. Batch failures are logged and the first one reported after
// the partition drains; a failed catalog commit aborts immediately since the
// batch's objects are already replaced.
func (c *Compactor) runPartition(ctx context.Context, log *slog.Logger, requests chan<- batchRequest, stream filelist.StreamRef, latest schema.Version, settings schema.Settings, ds *merger.Downsampling, plan partitionPlan) error {
	resp := make(chan batchResult, len(plan.Batches))
	sent := 0
	for i, batch := range plan.Batches {
		req := batchRequest{
			batchID:  i,
			stream:   stream,
			prefix:   plan.Prefix,
			files:    batch.Files,
			latest:   latest.Fields,
			settings: settings,
			rule:     ds,
			resp:     resp,
		}
		queueGaugeAdd(1)
		select {
		case requests <- req:
			sent++
		case <-ctx.Done():
			queueGaugeAdd(-1)
			return ctx.Err()
		}
	}

	seen := make(map[int]bool, sent)
	var firstErr error
	for n := 0; n < sent; n++ {
		var res batchResult
		select {
		case res = <-resp:
		case <-ctx.Done():
			return ctx.Err()
		}
		if seen[res.batchID] {
			log.Warn("dropping duplicate batch result", "prefix", plan.Prefix, "batch_id", res.batchID)
			continue
		}
		seen[res.batchID] = true
		if res.err != nil {
			log.Error("merge batch failed", "prefix", plan.Prefix, "batch_id", res.batchID, "error", res.err)
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if len(res.newFiles) == 0 {
			continue
		}
		events := make([]filelist.FileKey, 0, len(res.retained)+len(res.newFiles))
		for _, f := range res.retained {
			events = append(events, f.Tombstone())
		}
		events = append(events, res.newFiles...)
		sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })
		if err := c.writer.Write(ctx, events); err != nil {
			return fmt.Errorf("commit batch %d of %s: %w", res.batchID, plan.Prefix, err)
		}
	}
	return firstErr
}

// jobRange derives the window a job covers. Hour jobs cover their hour;
// daily-partitioned streams re-cover the day up to and including the job
// hour, since the whole day shares one partition; downsampling covers whole
// days.
func jobRange(offset int64, level schema.PartitionLevel, downsample bool) timerange.Range {
	hour := timerange.TruncateHour(offset)
	switch {
	case downsample:
		day := timerange.TruncateDay(offset)
		return timerange.Range{Start: day, End: day + timerange.DayMicros}
	case level == schema.PartitionDaily:
		return timerange.Range{Start: timerange.TruncateDay(offset), End: hour + timerange.HourMicros}
	default:
		return timerange.Range{Start: hour, End: hour + timerange.HourMicros}
	}
}
