package compact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/merger"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
)

func sizedEntry(key string, orig, comp int64) filelist.FileKey {
	return filelist.FileKey{
		Account: "default",
		Key:     key,
		Meta:    filelist.FileMeta{MinTS: 1, MaxTS: 2, Records: 10, OriginalSize: orig, CompressedSize: comp},
	}
}

func TestCapBatchHonorsBothSizeViews(t *testing.T) {
	files := []filelist.FileKey{
		sizedEntry("a", 10, 40),
		sizedEntry("b", 10, 40),
		sizedEntry("c", 10, 40),
	}

	// Compressed bytes trip the cap even though original sizes stay small.
	require.Len(t, capBatch(files, 100), 2)
	require.Len(t, capBatch(files, 1000), 3)

	heavy := []filelist.FileKey{
		sizedEntry("a", 60, 10),
		sizedEntry("b", 60, 10),
	}
	require.Len(t, capBatch(heavy, 100), 1)
}

func TestIntersect(t *testing.T) {
	got := intersect([]string{"a", "b", "c"}, []string{"b", "c", "d"})
	require.Equal(t, []string{"b", "c"}, got)
	require.Nil(t, intersect(nil, []string{"a"}))
	require.Empty(t, intersect([]string{"x"}, []string{"a"}))
}

// panicMerger stands in for a merger that blows up mid-batch.
type panicMerger struct{}

func (panicMerger) Merge(context.Context, merger.Request) ([]merger.Output, error) {
	panic("boom")
}

func TestWorkerRepliesExactlyOnceOnPanic(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "a", []byte("x")))
	require.NoError(t, store.Put(ctx, "b", []byte("y")))

	pool := &workerPool{
		deps: Deps{Catalog: filelist.NewMemoryStore(), Store: store, Merger: panicMerger{}},
		cfg:  MergeConfig{MaxFileSize: 1 << 20},
	}

	resp := make(chan batchResult, 2)
	pool.handle(ctx, logging.WorkerLogger(0), batchRequest{
		batchID: 7,
		stream:  testStream(),
		prefix:  "files/acme/logs/app/2025/09/10/07",
		files:   []filelist.FileKey{sizedEntry("a", 10, 1), sizedEntry("b", 10, 1)},
		resp:    resp,
	})

	res := <-resp
	require.Equal(t, 7, res.batchID)
	require.ErrorContains(t, res.err, "panicked")

	select {
	case extra := <-resp:
		t.Fatalf("second reply for batch %d", extra.batchID)
	default:
	}
}

func TestMergeBatchSkipsSingletons(t *testing.T) {
	pool := &workerPool{cfg: MergeConfig{MaxFileSize: 1 << 20}}

	newFiles, retained, err := pool.mergeBatch(context.Background(), logging.WorkerLogger(0), batchRequest{
		files: []filelist.FileKey{sizedEntry("only", 10, 5)},
	})
	require.NoError(t, err)
	require.Empty(t, newFiles)
	require.Empty(t, retained)
}

func TestMergeBatchZeroRecordsFails(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "a", []byte("x")))
	require.NoError(t, store.Put(ctx, "b", []byte("y")))

	pool := &workerPool{
		deps: Deps{Catalog: filelist.NewMemoryStore(), Store: store, Merger: panicMerger{}},
		cfg:  MergeConfig{MaxFileSize: 1 << 20},
	}

	empty := func(key string) filelist.FileKey {
		f := sizedEntry(key, 10, 1)
		f.Meta.Records = 0
		return f
	}
	_, _, err = pool.mergeBatch(ctx, logging.WorkerLogger(0), batchRequest{
		prefix: "files/acme/logs/app/2025/09/10/07",
		files:  []filelist.FileKey{empty("a"), empty("b")},
	})
	require.ErrorContains(t, err, "zero records")
}

func TestMergeBatchPrunesMissingObjects(t *testing.T) {
	ctx := context.Background()
	catalog := filelist.NewMemoryStore()
	store, err := storage.NewMemoryStore(ctx)
	require.NoError(t, err)

	stream := testStream()
	ts := time.Date(2025, 9, 10, 7, 0, 0, 0, time.UTC).UnixMicro()
	var files []filelist.FileKey
	for _, name := range []string{"a", "b", "c"} {
		f := sizedEntry(filelist.BuildKey(stream, ts, name+".parquet"), 10, 1)
		files = append(files, f)
	}
	require.NoError(t, catalog.BatchProcess(ctx, files))
	// "b" never made it to object storage.
	require.NoError(t, store.Put(ctx, files[0].Key, []byte("x")))
	require.NoError(t, store.Put(ctx, files[2].Key, []byte("y")))

	pool := &workerPool{deps: Deps{Catalog: catalog, Store: store}}
	inputs, retained, err := pool.download(ctx, logging.WorkerLogger(0), stream, files)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, retained, 2)

	_, ok := catalog.Entry(files[1].Key)
	require.False(t, ok, "missing object should be pruned from the catalog")
	_, ok = catalog.Entry(files[0].Key)
	require.True(t, ok)
}
