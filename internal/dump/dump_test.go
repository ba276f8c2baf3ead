package dump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

var testStream = filelist.StreamRef{Org: "default", Type: filelist.StreamLogs, Name: "app"}

func testArchive(t *testing.T) (*Archive, storage.ObjectStore) {
	t.Helper()
	store, err := storage.NewMemoryStore(context.Background())
	require.NoError(t, err)
	a, err := NewArchive(store)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, store
}

func tsAt(day, hour int) int64 {
	return time.Date(2025, 9, day, hour, 0, 0, 0, time.UTC).UnixMicro()
}

func entryAt(day, hour int, file string) filelist.FileKey {
	ts := tsAt(day, hour)
	return filelist.FileKey{
		Account: "a1",
		Key:     filelist.BuildKey(testStream, ts, file),
		Meta:    filelist.FileMeta{MinTS: ts, MaxTS: ts + 1000, Records: 10, OriginalSize: 100, CompressedSize: 40},
	}
}

func TestWriteGroupsByDay(t *testing.T) {
	ctx := context.Background()
	a, store := testArchive(t)

	err := a.Write(ctx, testStream, []filelist.FileKey{
		entryAt(10, 7, "a.parquet"),
		entryAt(10, 9, "b.parquet"),
		entryAt(11, 0, "c.parquet"),
	})
	require.NoError(t, err)

	objects, err := store.List(ctx, DumpRoot+"/")
	require.NoError(t, err)
	// Two day objects plus their checksum manifests
	require.Len(t, objects, 4)

	day10, err := a.ReadDay(ctx, testStream, tsAt(10, 0))
	require.NoError(t, err)
	require.Len(t, day10, 2)
	assert.Equal(t, "a1", day10[0].Account)

	day11, err := a.ReadDay(ctx, testStream, tsAt(11, 0))
	require.NoError(t, err)
	assert.Len(t, day11, 1)
}

func TestWriteMergesExistingDay(t *testing.T) {
	ctx := context.Background()
	a, _ := testArchive(t)

	require.NoError(t, a.Write(ctx, testStream, []filelist.FileKey{entryAt(10, 7, "a.parquet")}))
	require.NoError(t, a.Write(ctx, testStream, []filelist.FileKey{
		entryAt(10, 7, "a.parquet"), // same key, replaced
		entryAt(10, 8, "b.parquet"),
	}))

	entries, err := a.ReadDay(ctx, testStream, tsAt(10, 0))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMinTS(t *testing.T) {
	ctx := context.Background()
	a, _ := testArchive(t)

	min, err := a.MinTS(ctx, testStream)
	require.NoError(t, err)
	assert.Zero(t, min)

	require.NoError(t, a.Write(ctx, testStream, []filelist.FileKey{
		entryAt(12, 3, "a.parquet"),
		entryAt(10, 7, "b.parquet"),
	}))

	min, err = a.MinTS(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, tsAt(10, 0), min)

	// Other streams do not leak in
	other := filelist.StreamRef{Org: "default", Type: filelist.StreamLogs, Name: "other"}
	min, err = a.MinTS(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, min)
}

func TestDeleteRangeWholeDay(t *testing.T) {
	ctx := context.Background()
	a, _ := testArchive(t)

	require.NoError(t, a.Write(ctx, testStream, []filelist.FileKey{
		entryAt(10, 7, "a.parquet"),
		entryAt(11, 0, "b.parquet"),
	}))

	day10 := timerange.DayOf(tsAt(10, 0))
	require.NoError(t, a.DeleteRange(ctx, testStream, day10))

	entries, err := a.ReadDay(ctx, testStream, tsAt(10, 0))
	require.NoError(t, err)
	assert.Empty(t, entries)

	min, err := a.MinTS(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, tsAt(11, 0), min)
}

func TestDeleteRangePartialDay(t *testing.T) {
	ctx := context.Background()
	a, _ := testArchive(t)

	require.NoError(t, a.Write(ctx, testStream, []filelist.FileKey{
		entryAt(10, 7, "a.parquet"),
		entryAt(10, 9, "b.parquet"),
	}))

	// Only hour 07 falls inside the deleted range
	require.NoError(t, a.DeleteRange(ctx, testStream, timerange.HourOf(tsAt(10, 7))))

	entries, err := a.ReadDay(ctx, testStream, tsAt(10, 0))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Key, "/09/")
}

func TestReadDayDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	a, store := testArchive(t)

	require.NoError(t, a.Write(ctx, testStream, []filelist.FileKey{entryAt(10, 7, "a.parquet")}))

	objects, err := store.List(ctx, DumpRoot+"/")
	require.NoError(t, err)
	var dataKey string
	for _, obj := range objects {
		if len(obj.Key) > len(sumExt) && obj.Key[len(obj.Key)-len(sumExt):] != sumExt {
			dataKey = obj.Key
		}
	}
	require.NotEmpty(t, dataKey)
	require.NoError(t, store.Put(ctx, dataKey+sumExt, []byte("sha256:bogus")))

	_, err = a.ReadDay(ctx, testStream, tsAt(10, 0))
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestChecksumRoundTrip(t *testing.T) {
	sum := ComputeChecksum([]byte("payload"))
	assert.True(t, VerifyChecksum([]byte("payload"), sum))
	assert.False(t, VerifyChecksum([]byte("tampered"), sum))
}
