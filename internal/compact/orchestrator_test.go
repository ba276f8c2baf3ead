package compact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/merger"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

type logRow struct {
	Timestamp int64  `parquet:"_timestamp"`
	Level     string `parquet:"level,optional"`
	Message   string `parquet:"message,optional"`
}

type metricRow struct {
	Timestamp int64   `parquet:"_timestamp"`
	Host      string  `parquet:"host,optional"`
	Value     float64 `parquet:"value,optional"`
}

func writeParquet[T any](t *testing.T, rows []T) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := parquet.NewGenericWriter[T](buf)
	_, err := w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readRows(t *testing.T, data []byte) (*parquet.Schema, []parquet.Row) {
	t.Helper()
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var rows []parquet.Row
	for _, rg := range pf.RowGroups() {
		rr := rg.Rows()
		buf := make([]parquet.Row, 16)
		for {
			n, err := rr.ReadRows(buf)
			for _, r := range buf[:n] {
				rows = append(rows, r.Clone())
			}
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if n == 0 {
				break
			}
		}
		rr.Close()
	}
	return pf.Schema(), rows
}

func readMetricRows(t *testing.T, data []byte) []metricRow {
	t.Helper()
	sch, rows := readRows(t, data)
	idx := make(map[int]string, len(sch.Fields()))
	for i, f := range sch.Fields() {
		idx[i] = f.Name()
	}

	out := make([]metricRow, 0, len(rows))
	for _, row := range rows {
		var m metricRow
		for _, v := range row {
			switch idx[v.Column()] {
			case "_timestamp":
				m.Timestamp = v.Int64()
			case "host":
				m.Host = v.String()
			case "value":
				m.Value = v.Double()
			}
		}
		out = append(out, m)
	}
	return out
}

func logFields() []schema.Field {
	return []schema.Field{
		{Name: "_timestamp", Type: "int64"},
		{Name: "level", Type: "utf8"},
		{Name: "message", Type: "utf8"},
	}
}

func metricFields() []schema.Field {
	return []schema.Field{
		{Name: "_timestamp", Type: "int64"},
		{Name: "host", Type: "utf8"},
		{Name: "value", Type: "float64"},
	}
}

// seedHourFiles writes n single-row log files for the hour and registers them
// in the catalog. Row i carries timestamp hour+(i+1) seconds.
func seedHourFiles(t *testing.T, ctx context.Context, catalog filelist.Store, store storage.ObjectStore, stream filelist.StreamRef, hour time.Time, n int) []filelist.FileKey {
	t.Helper()
	hourMicros := hour.UnixMicro()
	entries := make([]filelist.FileKey, 0, n)
	for i := 0; i < n; i++ {
		ts := hourMicros + int64(i+1)*1_000_000
		data := writeParquet(t, []logRow{{Timestamp: ts, Level: "info", Message: fmt.Sprintf("m%d", i)}})
		key := filelist.BuildKey(stream, hourMicros, fmt.Sprintf("%03d.parquet", i))
		require.NoError(t, store.Put(ctx, key, data))
		entries = append(entries, filelist.FileKey{
			Account: "default",
			Key:     key,
			Meta: filelist.FileMeta{
				MinTS:          ts,
				MaxTS:          ts,
				Records:        1,
				OriginalSize:   int64(len(data)),
				CompressedSize: int64(len(data)),
			},
		})
	}
	require.NoError(t, catalog.BatchProcess(ctx, entries))
	return entries
}

func newTestCompactor(catalog filelist.Store, store storage.ObjectStore, registry schema.Registry, rules *Rules) *Compactor {
	deps := Deps{Catalog: catalog, Store: store, Merger: merger.NewParquetMerger()}
	writer := filelist.NewWriter(catalog, nil, filelist.WriterConfig{})
	return NewCompactor(deps, registry, writer, rules, MergeConfig{MaxFileSize: 8 << 20, Workers: 2})
}

func TestJobRange(t *testing.T) {
	hour := time.Date(2025, 9, 10, 7, 0, 0, 0, time.UTC).UnixMicro()
	day := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC).UnixMicro()

	tr := jobRange(hour, schema.PartitionHourly, false)
	require.Equal(t, timerange.Range{Start: hour, End: hour + timerange.HourMicros}, tr)

	tr = jobRange(hour, schema.PartitionDaily, false)
	require.Equal(t, timerange.Range{Start: day, End: hour + timerange.HourMicros}, tr)

	tr = jobRange(hour, schema.PartitionHourly, true)
	require.Equal(t, timerange.Range{Start: day, End: day + timerange.DayMicros}, tr)
}

func TestMergeByStreamEndToEnd(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)

	stream := testStream()
	registry.Register(stream, schema.Version{Fields: logFields(), CreatedAt: 1})

	hour := time.Date(2025, 9, 10, 7, 0, 0, 0, time.UTC)
	sources := seedHourFiles(t, ctx, catalog, store, stream, hour, 3)

	comp := newTestCompactor(catalog, store, registry, nil)
	job := filelist.MergeJob{ID: 1, Stream: stream, Offset: hour.UnixMicro()}
	require.NoError(t, comp.MergeByStream(ctx, job))

	live, err := catalog.Query(ctx, stream, timerange.Range{
		Start: hour.UnixMicro(),
		End:   hour.UnixMicro() + timerange.HourMicros,
	})
	require.NoError(t, err)
	require.Len(t, live, 1, "three sources should collapse into one file")

	merged := live[0]
	var wantOriginal int64
	for _, src := range sources {
		wantOriginal += src.Meta.OriginalSize
	}
	require.Equal(t, int64(3), merged.Meta.Records)
	require.Equal(t, hour.UnixMicro()+1_000_000, merged.Meta.MinTS)
	require.Equal(t, hour.UnixMicro()+3_000_000, merged.Meta.MaxTS)
	require.Equal(t, wantOriginal, merged.Meta.OriginalSize)

	data, err := store.Get(ctx, merged.Key)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), merged.Meta.CompressedSize)
	_, rows := readRows(t, data)
	require.Len(t, rows, 3)

	for _, src := range sources {
		e, ok := catalog.Entry(src.Key)
		require.True(t, ok)
		require.True(t, e.Deleted, "source %s should be tombstoned", src.Key)
	}
	require.Equal(t, 3, catalog.PendingDeleteLen())
}

func TestMergeByStreamMissingSchemaIsNoop(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)

	comp := newTestCompactor(catalog, store, schema.NewMemoryRegistry(), nil)
	job := filelist.MergeJob{ID: 1, Stream: testStream(), Offset: time.Now().UnixMicro()}
	require.NoError(t, comp.MergeByStream(ctx, job))
}

func TestMergeByStreamPrunesMissingObjects(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)

	stream := testStream()
	registry.Register(stream, schema.Version{Fields: logFields(), CreatedAt: 1})

	hour := time.Date(2025, 9, 10, 7, 0, 0, 0, time.UTC)
	sources := seedHourFiles(t, ctx, catalog, store, stream, hour, 3)
	require.NoError(t, store.Delete(ctx, sources[1].Key))

	comp := newTestCompactor(catalog, store, registry, nil)
	job := filelist.MergeJob{ID: 1, Stream: stream, Offset: hour.UnixMicro()}
	require.NoError(t, comp.MergeByStream(ctx, job))

	_, ok := catalog.Entry(sources[1].Key)
	require.False(t, ok, "entry for the vanished object should be pruned")

	live, err := catalog.Query(ctx, stream, timerange.Range{
		Start: hour.UnixMicro(),
		End:   hour.UnixMicro() + timerange.HourMicros,
	})
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, int64(2), live[0].Meta.Records)
}

func TestMergeByStreamDownsamples(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	registry := schema.NewMemoryRegistry()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)

	stream := filelist.StreamRef{Org: "acme", Type: filelist.StreamMetrics, Name: "cpu"}
	registry.Register(stream, schema.Version{Fields: metricFields(), CreatedAt: 1})

	day := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)
	h7 := day.Add(7 * time.Hour).UnixMicro()
	h9 := day.Add(9 * time.Hour).UnixMicro()

	seed := func(hour int64, name string, rows []metricRow) filelist.FileKey {
		data := writeParquet(t, rows)
		key := filelist.BuildKey(stream, hour, name)
		require.NoError(t, store.Put(ctx, key, data))
		return filelist.FileKey{
			Account: "default",
			Key:     key,
			Meta: filelist.FileMeta{
				MinTS:          rows[0].Timestamp,
				MaxTS:          rows[len(rows)-1].Timestamp,
				Records:        int64(len(rows)),
				OriginalSize:   int64(len(data)),
				CompressedSize: int64(len(data)),
			},
		}
	}
	sources := []filelist.FileKey{
		seed(h7, "a.parquet", []metricRow{
			{Timestamp: h7 + 10_000_000, Host: "web", Value: 1.0},
			{Timestamp: h7 + 20_000_000, Host: "web", Value: 3.0},
		}),
		seed(h9, "b.parquet", []metricRow{
			{Timestamp: h9 + 5_000_000, Host: "web", Value: 5.0},
		}),
	}
	require.NoError(t, catalog.BatchProcess(ctx, sources))

	rules, err := NewRules([]DownsamplingRule{{StepSeconds: 3600, OffsetSeconds: 86400, Function: "avg"}})
	require.NoError(t, err)

	comp := newTestCompactor(catalog, store, registry, rules)
	comp.now = func() time.Time { return day.Add(10 * 24 * time.Hour) }

	job := filelist.MergeJob{ID: 1, Stream: stream, Offset: day.UnixMicro()}
	require.NoError(t, comp.MergeByStream(ctx, job))

	live, err := catalog.Query(ctx, stream, timerange.Range{
		Start: day.UnixMicro(),
		End:   day.UnixMicro() + timerange.DayMicros,
	})
	require.NoError(t, err)
	require.Len(t, live, 2, "one downsampled file per hour partition")

	for _, src := range sources {
		e, ok := catalog.Entry(src.Key)
		require.True(t, ok)
		require.True(t, e.Deleted)
	}

	var h7File filelist.FileKey
	for _, f := range live {
		if strings.HasPrefix(f.Key, filelist.HourPrefix(stream, h7)) {
			h7File = f
		}
	}
	require.NotEmpty(t, h7File.Key)
	require.Equal(t, int64(1), h7File.Meta.Records, "two points in one bucket fold to one row")
	require.Equal(t, h7File.Meta.CompressedSize, h7File.Meta.OriginalSize,
		"downsampled output reports its own size as original")

	data, err := store.Get(ctx, h7File.Key)
	require.NoError(t, err)
	rows := readMetricRows(t, data)
	require.Len(t, rows, 1)
	require.Equal(t, h7, rows[0].Timestamp)
	require.Equal(t, "web", rows[0].Host)
	require.InDelta(t, 2.0, rows[0].Value, 1e-9)
}
