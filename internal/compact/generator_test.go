package compact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/cluster"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/distlock"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// stubNodes is a cluster registry with scriptable liveness.
type stubNodes struct {
	self  cluster.Node
	alive map[string]bool
}

func (s *stubNodes) Self() cluster.Node { return s.self }

func (s *stubNodes) IsAlive(_ context.Context, id string) (bool, error) {
	return id == s.self.ID || s.alive[id], nil
}

func (s *stubNodes) Peers(context.Context) ([]cluster.Node, error) { return nil, nil }

func (s *stubNodes) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func testStream() filelist.StreamRef {
	return filelist.StreamRef{Org: "acme", Type: filelist.StreamLogs, Name: "app"}
}

func newTestGenerator(catalog filelist.Store, registry schema.Registry, nodes cluster.Registry, cfg GeneratorConfig) *Generator {
	return NewGenerator(catalog, registry, distlock.NewLocalLocker(), nodes, cfg)
}

func TestGenerateMergeJobSeedsFromStreamCreation(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	stream := testStream()
	created := time.Date(2025, 9, 10, 7, 30, 0, 0, time.UTC)
	registry.SetSettings(stream, schema.Settings{PartitionLevel: schema.PartitionHourly, CreatedAt: created.UnixMicro()})

	nodes := cluster.NewLocalRegistry(cluster.NewNode(""))
	g := newTestGenerator(catalog, registry, nodes, GeneratorConfig{MaxFileRetention: 10 * time.Minute})
	g.now = func() time.Time { return created.Add(48 * time.Hour) }

	require.NoError(t, g.GenerateMergeJob(ctx, stream))

	hour := created.Truncate(time.Hour).UnixMicro()
	jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, hour, jobs[0].Offset)
	require.Equal(t, stream, jobs[0].Stream)

	off, err := catalog.GetOffset(ctx, stream.OffsetKey())
	require.NoError(t, err)
	require.Equal(t, hour+timerange.HourMicros, off.Micros)
	require.Equal(t, nodes.Self().ID, off.Node)
}

func TestGenerateMergeJobSkipsStreamsWithoutData(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	stream := testStream()

	nodes := cluster.NewLocalRegistry(cluster.NewNode(""))
	g := newTestGenerator(catalog, registry, nodes, GeneratorConfig{MaxFileRetention: 10 * time.Minute})

	require.NoError(t, g.GenerateMergeJob(ctx, stream))

	jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestGenerateMergeJobSkipsUnsettledHours(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	stream := testStream()
	now := time.Date(2025, 9, 10, 12, 15, 0, 0, time.UTC)

	nodes := cluster.NewLocalRegistry(cluster.NewNode(""))
	g := newTestGenerator(catalog, registry, nodes, GeneratorConfig{MaxFileRetention: 30 * time.Minute})
	g.now = func() time.Time { return now }

	// One hour behind is still inside the tripled write-ahead window.
	behind := now.Add(-time.Hour).Truncate(time.Hour)
	require.NoError(t, catalog.SetOffset(ctx, stream.OffsetKey(), filelist.Offset{Micros: behind.UnixMicro()}))
	require.NoError(t, g.GenerateMergeJob(ctx, stream))

	jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Empty(t, jobs)

	// The current hour never merges, however small the window.
	g.cfg.MaxFileRetention = time.Second
	require.NoError(t, catalog.SetOffset(ctx, stream.OffsetKey(), filelist.Offset{Micros: now.Truncate(time.Hour).UnixMicro(), Node: nodes.Self().ID}))
	require.NoError(t, g.GenerateMergeJob(ctx, stream))

	jobs, err = catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestGenerateMergeJobOwnership(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	hour := time.Date(2025, 9, 10, 7, 0, 0, 0, time.UTC)

	t.Run("live owner wins", func(t *testing.T) {
		catalog := filelist.NewMemoryStore()
		nodes := &stubNodes{self: cluster.NewNode(""), alive: map[string]bool{"other": true}}
		require.NoError(t, catalog.SetOffset(ctx, stream.OffsetKey(), filelist.Offset{Micros: hour.UnixMicro(), Node: "other"}))

		g := newTestGenerator(catalog, schema.NewMemoryRegistry(), nodes, GeneratorConfig{MaxFileRetention: 10 * time.Minute})
		g.now = func() time.Time { return hour.Add(72 * time.Hour) }

		require.NoError(t, g.GenerateMergeJob(ctx, stream))

		jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
		require.NoError(t, err)
		require.Empty(t, jobs)

		off, err := catalog.GetOffset(ctx, stream.OffsetKey())
		require.NoError(t, err)
		require.Equal(t, "other", off.Node)
	})

	t.Run("dead owner is taken over", func(t *testing.T) {
		catalog := filelist.NewMemoryStore()
		nodes := &stubNodes{self: cluster.NewNode(""), alive: map[string]bool{}}
		require.NoError(t, catalog.SetOffset(ctx, stream.OffsetKey(), filelist.Offset{Micros: hour.UnixMicro(), Node: "ghost"}))

		g := newTestGenerator(catalog, schema.NewMemoryRegistry(), nodes, GeneratorConfig{MaxFileRetention: 10 * time.Minute})
		g.now = func() time.Time { return hour.Add(72 * time.Hour) }

		require.NoError(t, g.GenerateMergeJob(ctx, stream))

		jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, hour.UnixMicro(), jobs[0].Offset)

		off, err := catalog.GetOffset(ctx, stream.OffsetKey())
		require.NoError(t, err)
		require.Equal(t, nodes.Self().ID, off.Node)
	})
}

func TestGenerateOldDataJobs(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	stream := testStream()

	watermark := time.Date(2025, 9, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, catalog.SetOffset(ctx, stream.OffsetKey(), filelist.Offset{Micros: watermark.UnixMicro()}))

	seed := func(at time.Time) {
		ts := at.UnixMicro()
		require.NoError(t, catalog.BatchProcess(ctx, []filelist.FileKey{{
			Account: "default",
			Key:     filelist.BuildKey(stream, ts, "late.parquet"),
			Meta:    filelist.FileMeta{MinTS: ts, MaxTS: ts + 1, Records: 1, OriginalSize: 10, CompressedSize: 5},
		}}))
	}
	older := watermark.Add(-72 * time.Hour)
	newer := watermark.Add(-48 * time.Hour)
	seed(older)
	seed(newer)
	seed(watermark.Add(-time.Hour)) // inside the near-edge guard, not old data

	nodes := cluster.NewLocalRegistry(cluster.NewNode(""))
	g := newTestGenerator(catalog, registry, nodes, GeneratorConfig{
		MaxFileRetention:  10 * time.Minute,
		OldDataMinHours:   2,
		OldDataMaxDays:    7,
		DataRetentionDays: 30,
	})
	g.now = func() time.Time { return watermark.Add(time.Hour) }

	require.NoError(t, g.GenerateOldDataJobs(ctx, stream))

	jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, older.UnixMicro(), jobs[0].Offset)
	require.Equal(t, newer.UnixMicro(), jobs[1].Offset)

	// The merge watermark itself does not move.
	off, err := catalog.GetOffset(ctx, stream.OffsetKey())
	require.NoError(t, err)
	require.Equal(t, watermark.UnixMicro(), off.Micros)
}

func TestGenerateDownsamplingJobAdvancesByDay(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	stream := filelist.StreamRef{Org: "acme", Type: filelist.StreamMetrics, Name: "cpu"}
	created := time.Date(2025, 9, 10, 10, 0, 0, 0, time.UTC)
	registry.SetSettings(stream, schema.Settings{PartitionLevel: schema.PartitionHourly, CreatedAt: created.UnixMicro()})

	rules, err := NewRules([]DownsamplingRule{{StepSeconds: 3600, OffsetSeconds: 86400, Function: "avg"}})
	require.NoError(t, err)
	rule := rules.Matching(stream)[0]

	nodes := cluster.NewLocalRegistry(cluster.NewNode(""))
	g := newTestGenerator(catalog, registry, nodes, GeneratorConfig{MaxFileRetention: 10 * time.Minute})
	g.now = func() time.Time { return created.Add(10 * 24 * time.Hour) }

	require.NoError(t, g.GenerateDownsamplingJob(ctx, stream, rule))

	day := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC).UnixMicro()
	jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, day, jobs[0].Offset)

	off, err := catalog.GetOffset(ctx, stream.DownsamplingOffsetKey(rule.StepSeconds))
	require.NoError(t, err)
	require.Equal(t, day+timerange.DayMicros, off.Micros)
}

func TestGenerateDownsamplingJobHonorsAgeGate(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	stream := filelist.StreamRef{Org: "acme", Type: filelist.StreamMetrics, Name: "cpu"}
	created := time.Date(2025, 9, 10, 10, 0, 0, 0, time.UTC)
	registry.SetSettings(stream, schema.Settings{PartitionLevel: schema.PartitionHourly, CreatedAt: created.UnixMicro()})

	rules, err := NewRules([]DownsamplingRule{{StepSeconds: 3600, OffsetSeconds: 30 * 86400, Function: "avg"}})
	require.NoError(t, err)
	rule := rules.Matching(stream)[0]

	nodes := cluster.NewLocalRegistry(cluster.NewNode(""))
	g := newTestGenerator(catalog, registry, nodes, GeneratorConfig{MaxFileRetention: 10 * time.Minute})
	g.now = func() time.Time { return created.Add(10 * 24 * time.Hour) }

	require.NoError(t, g.GenerateDownsamplingJob(ctx, stream, rule))

	jobs, err := catalog.LeaseJobs(ctx, "n1", 10, time.Hour)
	require.NoError(t, err)
	require.Empty(t, jobs)

	off, err := catalog.GetOffset(ctx, stream.DownsamplingOffsetKey(rule.StepSeconds))
	require.NoError(t, err)
	require.Zero(t, off.Micros)
}
