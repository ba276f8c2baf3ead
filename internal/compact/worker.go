package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/index"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/merger"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
)

// Deps bundles the backends merge execution touches. Cache may be nil.
type Deps struct {
	Catalog filelist.Store
	Store   storage.ObjectStore
	Cache   *storage.DiskCache
	Merger  merger.FileMerger
	Index   index.Builder
}

// batchRequest is one merge batch handed to the worker pool. The worker
// replies exactly once on resp.
type batchRequest struct {
	batchID  int
	stream   filelist.StreamRef
	prefix   string
	files    []filelist.FileKey
	latest   []schema.Field
	settings schema.Settings
	rule     *merger.Downsampling
	resp     chan<- batchResult
}

// batchResult carries one batch's outcome back to its partition task.
type batchResult struct {
	batchID  int
	newFiles []filelist.FileKey
	retained []filelist.FileKey
	err      error
}

// workerPool executes merge batches. One pool is spun up per merge job and
// wound down once the job's partitions have all reported.
type workerPool struct {
	deps     Deps
	cfg      MergeConfig
	requests <-chan batchRequest
}

func (p *workerPool) run(ctx context.Context, id int) {
	log := logging.WorkerLogger(id)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.requests:
			if !ok {
				return
			}
			queueGaugeAdd(-1)
			p.handle(ctx, log, req)
		}
	}
}

// handle merges one batch and replies exactly once, even on panic: a lost
// reply would wedge the partition task waiting on it.
func (p *workerPool) handle(ctx context.Context, log *slog.Logger, req batchRequest) {
	if m := metrics.Get(); m != nil {
		m.InFlightBatches.Inc()
		defer m.InFlightBatches.Dec()
	}
	replied := false
	reply := func(res batchResult) {
		if !replied {
			replied = true
			req.resp <- res
		}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("merge batch panicked", "prefix", req.prefix, "batch_id", req.batchID, "error", r)
			reply(batchResult{batchID: req.batchID, err: fmt.Errorf("merge batch panicked: %v", r)})
		}
	}()

	newFiles, retained, err := p.mergeBatch(ctx, log, req)
	reply(batchResult{batchID: req.batchID, newFiles: newFiles, retained: retained, err: err})
}

// mergeBatch downloads, merges, and uploads one batch. It returns the new
// catalog entries and the source entries they replace; empty returns with a
// nil error mean the batch degenerated to a no-op.
func (p *workerPool) mergeBatch(ctx context.Context, log *slog.Logger, req batchRequest) ([]filelist.FileKey, []filelist.FileKey, error) {
	files := req.files
	if req.rule == nil {
		files = capBatch(files, p.cfg.MaxFileSize)
		if len(files) < 2 {
			return nil, nil, nil
		}
	}

	inputs, retained, err := p.download(ctx, log, req.stream, files)
	if err != nil {
		return nil, nil, err
	}
	if len(retained) == 0 || (req.rule == nil && len(retained) < 2) {
		return nil, nil, nil
	}

	var fold filelist.FileMeta
	for i, f := range retained {
		if i == 0 || f.Meta.MinTS < fold.MinTS {
			fold.MinTS = f.Meta.MinTS
		}
		if f.Meta.MaxTS > fold.MaxTS {
			fold.MaxTS = f.Meta.MaxTS
		}
		fold.Records += f.Meta.Records
		fold.OriginalSize += f.Meta.OriginalSize
	}
	if fold.Records == 0 {
		return nil, nil, fmt.Errorf("batch of %d files under %s has zero records", len(retained), req.prefix)
	}

	outs, err := p.deps.Merger.Merge(ctx, merger.Request{
		Inputs:        inputs,
		LatestFields:  req.latest,
		DefinedFields: req.settings.DefinedFields,
		Downsampling:  req.rule,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("merge %s: %w", req.prefix, err)
	}

	account := retained[0].Account
	newFiles := make([]filelist.FileKey, 0, len(outs))
	for _, out := range outs {
		if len(out.Data) == 0 {
			return nil, nil, fmt.Errorf("merge %s produced an empty file", req.prefix)
		}
		key := req.prefix + "/" + uuid.NewString() + ".parquet"
		meta := filelist.FileMeta{
			MinTS:          out.MinTS,
			MaxTS:          out.MaxTS,
			Records:        out.Records,
			OriginalSize:   fold.OriginalSize,
			CompressedSize: int64(len(out.Data)),
		}
		if req.rule != nil {
			// Downsampled output replaces the originals outright; its own
			// size is the honest original size from here on.
			meta.OriginalSize = int64(len(out.Data))
		}
		if p.deps.Cache != nil {
			if cerr := p.deps.Cache.Admit(key, out.Data); cerr != nil {
				log.Warn("cache admit failed", "key", key, "error", cerr)
			}
		}
		if err := p.deps.Store.Put(ctx, key, out.Data); err != nil {
			return nil, nil, fmt.Errorf("upload %s: %w", key, err)
		}
		meta.IndexSize = p.buildIndex(ctx, log, req, key, out)
		newFiles = append(newFiles, filelist.FileKey{Account: account, Key: key, Meta: meta})
	}

	if m := metrics.Get(); m != nil {
		m.AddMergedFiles(req.stream.Org, string(req.stream.Type), float64(len(retained)), float64(fold.OriginalSize))
		m.MergeBatchSize.WithLabelValues(req.stream.Org, string(req.stream.Type)).Observe(float64(len(retained)))
	}
	return newFiles, retained, nil
}

// capBatch re-trims under both size views: planning only sees original
// sizes, but the bytes actually downloaded must fit the same cap.
func capBatch(files []filelist.FileKey, maxFileSize int64) []filelist.FileKey {
	var orig, comp int64
	for i, f := range files {
		orig += f.Meta.OriginalSize
		comp += f.Meta.CompressedSize
		if orig > maxFileSize || comp > maxFileSize {
			return files[:i]
		}
	}
	return files
}

// download fetches batch files, through the local disk cache when the batch
// fits it. Files missing or empty upstream are pruned from the catalog and
// excluded rather than failing the batch: the object is already gone, so
// retrying would fail the same way forever.
func (p *workerPool) download(ctx context.Context, log *slog.Logger, stream filelist.StreamRef, files []filelist.FileKey) ([]merger.Input, []filelist.FileKey, error) {
	var total int64
	for _, f := range files {
		total += f.Meta.CompressedSize
	}
	useCache := p.deps.Cache != nil && p.deps.Cache.ShouldPrewarm(total)

	inputs := make([]merger.Input, 0, len(files))
	retained := make([]filelist.FileKey, 0, len(files))
	var pruned []string
	for _, f := range files {
		var data []byte
		var err error
		if useCache {
			data, err = p.deps.Cache.Fetch(ctx, p.deps.Store, f.Key)
		} else {
			data, err = p.deps.Store.Get(ctx, f.Key)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			pruned = append(pruned, f.Key)
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("download %s: %w", f.Key, err)
		case len(data) == 0:
			pruned = append(pruned, f.Key)
			continue
		}
		inputs = append(inputs, merger.Input{Key: f.Key, Data: data})
		retained = append(retained, f)
	}

	if len(pruned) > 0 {
		log.Warn("pruning unreadable files from catalog", "stream", stream.String(), "files", len(pruned))
		if err := p.deps.Catalog.RemoveEntries(ctx, pruned); err != nil {
			return nil, nil, fmt.Errorf("prune unreadable files: %w", err)
		}
		if m := metrics.Get(); m != nil {
			m.PrunedFiles.WithLabelValues(stream.Org, string(stream.Type)).Add(float64(len(pruned)))
		}
	}
	return inputs, retained, nil
}

// buildIndex builds the inverted index for one merged file when the stream
// type and settings call for it. Index failure never fails the merged file;
// the entry just carries no index.
func (p *workerPool) buildIndex(ctx context.Context, log *slog.Logger, req batchRequest, key string, out merger.Output) int64 {
	if !p.cfg.IndexEnabled || req.rule != nil {
		return 0
	}
	if req.stream.Type != filelist.StreamLogs && req.stream.Type != filelist.StreamTraces {
		return 0
	}
	fullText := intersect(req.settings.FullTextFields, out.Fields)
	indexed := intersect(req.settings.IndexFields, out.Fields)
	if len(fullText) == 0 && len(indexed) == 0 {
		return 0
	}
	size, err := p.deps.Index.Build(ctx, index.Request{
		Key:            key,
		Fields:         out.Fields,
		FullTextFields: fullText,
		IndexFields:    indexed,
		Data:           out.Data,
	})
	if err != nil {
		log.Warn("index build failed", "key", key, "error", err)
		return 0
	}
	return size
}

// intersect keeps the wanted names actually present in the output schema.
func intersect(wanted, present []string) []string {
	if len(wanted) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(present))
	for _, p := range present {
		set[p] = struct{}{}
	}
	var out []string
	for _, w := range wanted {
		if _, ok := set[w]; ok {
			out = append(out, w)
		}
	}
	return out
}

func queueGaugeAdd(d float64) {
	if m := metrics.Get(); m != nil {
		m.WorkerQueueDepth.Add(d)
	}
}
