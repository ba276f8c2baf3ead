package compact

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/cluster"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
)

// SchedulerConfig tunes the compaction loop.
type SchedulerConfig struct {
	// Interval is the pause between ticks.
	Interval time.Duration
	// JobRunTimeout is how long a leased job may stay running before another
	// node may reclaim it.
	JobRunTimeout time.Duration
	// MaxConcurrentJobs bounds how many leased jobs run at once. Values
	// below one are raised to one.
	MaxConcurrentJobs int
	// LeaseLimit caps how many jobs one tick leases. Zero leases up to
	// MaxConcurrentJobs.
	LeaseLimit int
}

// Scheduler drives the compactor: every tick it generates jobs for all known
// streams, then leases and executes pending jobs.
type Scheduler struct {
	registry  schema.Registry
	catalog   filelist.Store
	generator *Generator
	compactor *Compactor
	nodes     cluster.Registry
	rules     *Rules
	cfg       SchedulerConfig
	log       *slog.Logger
}

func NewScheduler(registry schema.Registry, catalog filelist.Store, generator *Generator, compactor *Compactor, nodes cluster.Registry, rules *Rules, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		registry:  registry,
		catalog:   catalog,
		generator: generator,
		compactor: compactor,
		nodes:     nodes,
		rules:     rules,
		cfg:       cfg,
		log:       logging.Component("scheduler"),
	}
}

// Run ticks immediately, then on every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := s.log.With("correlation_id", correlationID)

	streams, err := s.registry.Streams(ctx)
	if err != nil {
		log.Error("list streams failed", "error", err)
		return
	}
	for _, stream := range streams {
		if ctx.Err() != nil {
			return
		}
		s.generate(ctx, log, stream)
	}
	s.execute(ctx, log)
}

// generate runs all three generators for one stream. Generation failures are
// per-stream: they are logged and the tick moves on.
func (s *Scheduler) generate(ctx context.Context, log *slog.Logger, stream filelist.StreamRef) {
	if err := s.generator.GenerateMergeJob(ctx, stream); err != nil {
		log.Error("merge job generation failed", "stream", stream.String(), "error", err)
	}
	if err := s.generator.GenerateOldDataJobs(ctx, stream); err != nil {
		log.Error("old data job generation failed", "stream", stream.String(), "error", err)
	}
	for _, rule := range s.rules.Matching(stream) {
		if err := s.generator.GenerateDownsamplingJob(ctx, stream, rule); err != nil {
			log.Error("downsampling job generation failed", "stream", stream.String(), "step", rule.StepSeconds, "error", err)
		}
	}
}

// execute leases runnable jobs and runs them with bounded concurrency. Jobs
// leased but not started before shutdown revert to pending by lease timeout.
func (s *Scheduler) execute(ctx context.Context, log *slog.Logger) {
	limit := s.cfg.LeaseLimit
	if limit <= 0 {
		limit = s.cfg.MaxConcurrentJobs
	}
	if limit < 1 {
		limit = 1
	}
	jobs, err := s.catalog.LeaseJobs(ctx, s.nodes.Self().ID, limit, s.cfg.JobRunTimeout)
	if err != nil {
		log.Error("lease jobs failed", "error", err)
		return
	}
	if m := metrics.Get(); m != nil {
		m.PendingJobs.Set(float64(len(jobs)))
	}
	if len(jobs) == 0 {
		return
	}
	log.Info("leased merge jobs", "jobs", len(jobs))

	workers := s.cfg.MaxConcurrentJobs
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(job filelist.MergeJob) {
			defer wg.Done()
			defer sem.Release(1)
			s.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// runJob executes one job and settles its queue state: done on success,
// back to pending with the failure message otherwise.
func (s *Scheduler) runJob(ctx context.Context, job filelist.MergeJob) {
	stream := job.Stream
	if err := s.compactor.MergeByStream(ctx, job); err != nil {
		s.log.Error("merge job failed", "job_id", job.ID, "stream", stream.String(), "offset", job.Offset, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncJobsFailed(stream.Org, string(stream.Type))
		}
		if serr := s.catalog.SetJobError(ctx, job.ID, err.Error()); serr != nil {
			s.log.Error("record job failure failed", "job_id", job.ID, "error", serr)
		}
		return
	}
	if err := s.catalog.SetJobDone(ctx, []int64{job.ID}); err != nil {
		s.log.Error("mark job done failed", "job_id", job.ID, "error", err)
		return
	}
	if m := metrics.Get(); m != nil {
		m.IncJobsDone(stream.Org, string(stream.Type))
	}
}
