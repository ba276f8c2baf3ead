package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/distlock"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/dump"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/kv"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

func testStream() filelist.StreamRef {
	return filelist.StreamRef{Org: "acme", Type: filelist.StreamLogs, Name: "app"}
}

func day(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMicro()
}

func newTestEngine(t *testing.T, catalog filelist.Store, registry schema.Registry, cfg Config) *Engine {
	t.Helper()
	store, err := storage.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(Deps{
		Catalog: catalog,
		Store:   store,
		Writer:  filelist.NewWriter(catalog, nil, filelist.WriterConfig{}),
		Meta:    kv.NewMemoryStore(),
		Locker:  distlock.NewLocalLocker(),
	}, registry, cfg)
}

func seedLiveFile(t *testing.T, catalog filelist.Store, stream filelist.StreamRef, ts int64, name string) filelist.FileKey {
	t.Helper()
	entry := filelist.FileKey{
		Account: "default",
		Key:     filelist.BuildKey(stream, ts, name),
		Meta: filelist.FileMeta{
			MinTS:          ts,
			MaxTS:          ts + 1,
			Records:        1,
			OriginalSize:   10,
			CompressedSize: 5,
		},
	}
	require.NoError(t, catalog.BatchProcess(context.Background(), []filelist.FileKey{entry}))
	return entry
}

// unitStarts collects the day starts of the pending deletion units, verifying
// every unit spans exactly one day.
func unitStarts(t *testing.T, e *Engine) map[int64]bool {
	t.Helper()
	units, err := e.PendingUnits(context.Background())
	require.NoError(t, err)
	starts := make(map[int64]bool, len(units))
	for _, u := range units {
		require.False(t, u.All)
		require.Equal(t, timerange.DayMicros, u.Range.End-u.Range.Start)
		starts[u.Range.Start] = true
	}
	return starts
}

func TestGenerateRetentionJobHonorsExtendedRetention(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	registry.SetSettings(stream, schema.Settings{
		RetentionDays: 10,
		ExtendedRetentions: []timerange.Range{
			{Start: day(2024, time.January, 10), End: day(2024, time.January, 16)},
		},
	})
	seedLiveFile(t, catalog, stream, day(2024, time.January, 1)+5*timerange.HourMicros, "001.parquet")

	e := newTestEngine(t, catalog, registry, Config{ExtendedRetentionDays: 5})
	e.now = func() time.Time { return time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, e.GenerateRetentionJob(ctx, stream))

	starts := unitStarts(t, e)
	assert.Len(t, starts, 24)
	for d := 1; d <= 9; d++ {
		assert.True(t, starts[day(2024, time.January, d)], "day %d should be deletable", d)
	}
	for d := 10; d <= 15; d++ {
		assert.False(t, starts[day(2024, time.January, d)], "day %d is under extended retention", d)
	}
	for d := 16; d <= 30; d++ {
		assert.True(t, starts[day(2024, time.January, d)], "day %d should be deletable", d)
	}
	assert.False(t, starts[day(2024, time.January, 31)], "days at the horizon are kept")
}

func TestGenerateRetentionJobCapsExclusionNearHorizon(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	registry.SetSettings(stream, schema.Settings{
		RetentionDays: 10,
		ExtendedRetentions: []timerange.Range{
			{Start: day(2024, time.January, 20), End: day(2024, time.February, 5)},
		},
	})
	seedLiveFile(t, catalog, stream, day(2024, time.January, 18)+3*timerange.HourMicros, "001.parquet")

	e := newTestEngine(t, catalog, registry, Config{ExtendedRetentionDays: 5})
	e.now = func() time.Time { return time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, e.GenerateRetentionJob(ctx, stream))

	// Lifecycle end is 2024-01-31, so the exclusion shields at most up to
	// 01-26; everything from there to the horizon is reclaimed anyway.
	starts := unitStarts(t, e)
	assert.Len(t, starts, 7)
	assert.True(t, starts[day(2024, time.January, 18)])
	assert.True(t, starts[day(2024, time.January, 19)])
	for d := 20; d <= 25; d++ {
		assert.False(t, starts[day(2024, time.January, d)], "day %d is shielded", d)
	}
	for d := 26; d <= 30; d++ {
		assert.True(t, starts[day(2024, time.January, d)], "day %d is past the shield cap", d)
	}
}

func TestGenerateRetentionJobSkipsEmptyDaysAfterExclusion(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	registry.SetSettings(stream, schema.Settings{
		RetentionDays: 10,
		ExtendedRetentions: []timerange.Range{
			{Start: day(2024, time.January, 10), End: day(2024, time.January, 16)},
		},
	})
	seedLiveFile(t, catalog, stream, day(2024, time.January, 1)+5*timerange.HourMicros, "001.parquet")
	seedLiveFile(t, catalog, stream, day(2024, time.January, 20)+2*timerange.HourMicros, "002.parquet")

	e := newTestEngine(t, catalog, registry, Config{})
	e.now = func() time.Time { return time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, e.GenerateRetentionJob(ctx, stream))

	// No data exists between the exclusion and 01-20, so those days produce
	// no units.
	starts := unitStarts(t, e)
	assert.Len(t, starts, 20)
	for d := 16; d <= 19; d++ {
		assert.False(t, starts[day(2024, time.January, d)], "day %d holds no data", d)
	}
	assert.True(t, starts[day(2024, time.January, 1)])
	assert.True(t, starts[day(2024, time.January, 20)])
	assert.True(t, starts[day(2024, time.January, 30)])
}

func TestGenerateRetentionJobGlobalDefault(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	seedLiveFile(t, catalog, stream, day(2024, time.January, 5)+2*timerange.HourMicros, "001.parquet")

	e := newTestEngine(t, catalog, registry, Config{DataRetentionDays: 10})
	e.now = func() time.Time { return time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, e.GenerateRetentionJob(ctx, stream))

	starts := unitStarts(t, e)
	assert.Len(t, starts, 26)
	assert.True(t, starts[day(2024, time.January, 5)])
	assert.True(t, starts[day(2024, time.January, 30)])
}

func TestGenerateRetentionJobNoop(t *testing.T) {
	ctx := context.Background()
	stream := testStream()

	t.Run("no data", func(t *testing.T) {
		catalog := filelist.NewMemoryStore()
		registry := schema.NewMemoryRegistry()
		registry.SetSettings(stream, schema.Settings{RetentionDays: 10})
		e := newTestEngine(t, catalog, registry, Config{})
		require.NoError(t, e.GenerateRetentionJob(ctx, stream))
		units, err := e.PendingUnits(ctx)
		require.NoError(t, err)
		assert.Empty(t, units)
	})

	t.Run("retention disabled", func(t *testing.T) {
		catalog := filelist.NewMemoryStore()
		registry := schema.NewMemoryRegistry()
		seedLiveFile(t, catalog, stream, day(2020, time.March, 1), "001.parquet")
		e := newTestEngine(t, catalog, registry, Config{})
		require.NoError(t, e.GenerateRetentionJob(ctx, stream))
		units, err := e.PendingUnits(ctx)
		require.NoError(t, err)
		assert.Empty(t, units)
	})
}

func TestGenerateRetentionJobUsesArchiveMinDate(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	registry.SetSettings(stream, schema.Settings{RetentionDays: 10})

	// The catalog starts at 01-08; the archive holds the older 01-05 day.
	seedLiveFile(t, catalog, stream, day(2024, time.January, 8)+4*timerange.HourMicros, "live.parquet")

	e := newTestEngine(t, catalog, registry, Config{})
	archive, err := dump.NewArchive(e.deps.Store)
	require.NoError(t, err)
	defer archive.Close()
	e.deps.Archive = archive

	archivedTS := day(2024, time.January, 5) + 2*timerange.HourMicros
	require.NoError(t, archive.Write(ctx, stream, []filelist.FileKey{{
		Account: "default",
		Key:     filelist.BuildKey(stream, archivedTS, "old.parquet"),
		Meta:    filelist.FileMeta{MinTS: archivedTS, MaxTS: archivedTS + 1, Records: 1},
	}}))

	e.now = func() time.Time { return time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, e.GenerateRetentionJob(ctx, stream))

	starts := unitStarts(t, e)
	assert.Len(t, starts, 26)
	for d := 5; d <= 7; d++ {
		assert.True(t, starts[day(2024, time.January, d)], "archive-only day %d must be deletable", d)
	}
	assert.True(t, starts[day(2024, time.January, 30)])
}

func TestMarkerRoundtrip(t *testing.T) {
	stream := testStream()

	u := Unit{Stream: stream, Range: timerange.Range{
		Start: day(2024, time.January, 3),
		End:   day(2024, time.January, 4),
	}}
	key := markerKey(u)
	assert.Equal(t, fmt.Sprintf("retention/acme/logs/app/%d,%d", u.Range.Start, u.Range.End), key)
	got, err := parseMarker(key)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	all := Unit{Stream: stream, All: true}
	assert.Equal(t, "retention/acme/logs/app/all", markerKey(all))
	got, err = parseMarker(markerKey(all))
	require.NoError(t, err)
	assert.Equal(t, all, got)

	for _, bad := range []string{
		"retention/acme/logs/app",
		"other/acme/logs/app/all",
		"retention/acme/logs/app/12x,34",
		"retention/acme/logs/app/1234",
	} {
		_, err := parseMarker(bad)
		assert.Error(t, err, bad)
	}
}

func TestPendingUnitsDropsMalformedMarkers(t *testing.T) {
	ctx := context.Background()
	stream := testStream()
	e := newTestEngine(t, filelist.NewMemoryStore(), schema.NewMemoryRegistry(), Config{})

	good := Unit{Stream: stream, Range: timerange.DayOf(day(2024, time.January, 3))}
	require.NoError(t, e.markPending(ctx, good))
	require.NoError(t, e.deps.Meta.Put(ctx, "retention/acme/logs/app/garbage", []byte("1")))

	units, err := e.PendingUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, good, units[0])

	entries, err := e.deps.Meta.List(ctx, markerPrefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, markerKey(good), entries[0].Key)
}
