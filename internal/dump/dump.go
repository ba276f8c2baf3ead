// Package dump archives file-list segments to object storage as zstd
// compressed ndjson, one object per stream day. Archived segments keep the
// catalog tables small; retention consults the archive when it computes how
// far back a stream's data reaches.
package dump

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/storage"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// DumpRoot prefixes every archive object.
const DumpRoot = "file_list_dump"

const (
	dayLayout = "2006/01/02"
	dumpExt   = ".ndjson.zst"
	sumExt    = ".sha256"
)

// Archive reads and writes file-list dump objects.
type Archive struct {
	store  storage.ObjectStore
	logger *slog.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

func NewArchive(store storage.ObjectStore) (*Archive, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Archive{
		store:  store,
		logger: logging.Component("dump"),
		enc:    enc,
		dec:    dec,
	}, nil
}

// Close releases codec resources.
func (a *Archive) Close() {
	if a.enc != nil {
		a.enc.Close()
	}
	if a.dec != nil {
		a.dec.Close()
	}
}

func streamPrefix(stream filelist.StreamRef) string {
	return fmt.Sprintf("%s/%s/%s/%s/", DumpRoot, stream.Org, stream.Type, stream.Name)
}

func dayKey(stream filelist.StreamRef, dayStart int64) string {
	day := time.UnixMicro(dayStart).UTC().Format(dayLayout)
	return streamPrefix(stream) + day + dumpExt
}

// dayOfKey recovers the archive day from an object key, epoch micros.
func dayOfKey(stream filelist.StreamRef, key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, streamPrefix(stream))
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, dumpExt)
	if !ok {
		return 0, false
	}
	t, err := time.ParseInLocation(dayLayout, rest, time.UTC)
	if err != nil {
		return 0, false
	}
	return t.UnixMicro(), true
}

// Write archives entries, merging them into the per-day objects their keys
// fall in. Existing entries with the same key are replaced.
func (a *Archive) Write(ctx context.Context, stream filelist.StreamRef, entries []filelist.FileKey) error {
	if len(entries) == 0 {
		return nil
	}

	byDay := make(map[int64][]filelist.FileKey)
	for _, e := range entries {
		parsed, err := filelist.ParseKey(e.Key)
		if err != nil {
			return fmt.Errorf("archive entry: %w", err)
		}
		day := timerange.TruncateDay(parsed.HourStart)
		byDay[day] = append(byDay[day], e)
	}

	days := make([]int64, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	for _, day := range days {
		existing, err := a.ReadDay(ctx, stream, day)
		if err != nil {
			return err
		}
		merged := make(map[string]filelist.FileKey, len(existing)+len(byDay[day]))
		for _, e := range existing {
			merged[e.Key] = e
		}
		for _, e := range byDay[day] {
			merged[e.Key] = e
		}
		if err := a.writeDay(ctx, stream, day, merged); err != nil {
			return err
		}
		a.logger.Debug("archived file list segment",
			"stream", stream.String(),
			"day", time.UnixMicro(day).UTC().Format(dayLayout),
			"entries", len(merged))
	}
	return nil
}

func (a *Archive) writeDay(ctx context.Context, stream filelist.StreamRef, day int64, entries map[string]filelist.FileKey) error {
	key := dayKey(stream, day)
	if len(entries) == 0 {
		if err := a.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete archive %s: %w", key, err)
		}
		if err := a.store.Delete(ctx, key+sumExt); err != nil {
			return fmt.Errorf("delete archive checksum %s: %w", key, err)
		}
		return nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		line, err := json.Marshal(entries[k])
		if err != nil {
			return fmt.Errorf("encode archive entry %s: %w", k, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	compressed := a.enc.EncodeAll(buf.Bytes(), nil)
	if err := a.store.Put(ctx, key, compressed); err != nil {
		return fmt.Errorf("write archive %s: %w", key, err)
	}
	if err := a.store.Put(ctx, key+sumExt, []byte(ComputeChecksum(compressed))); err != nil {
		return fmt.Errorf("write archive checksum %s: %w", key, err)
	}
	return nil
}

// ReadDay returns the archived entries for the day containing dayStart,
// oldest key first. Missing days read as empty.
func (a *Archive) ReadDay(ctx context.Context, stream filelist.StreamRef, dayStart int64) ([]filelist.FileKey, error) {
	key := dayKey(stream, timerange.TruncateDay(dayStart))
	data, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive %s: %w", key, err)
	}

	if sum, err := a.store.Get(ctx, key+sumExt); err == nil {
		if !VerifyChecksum(data, string(sum)) {
			return nil, fmt.Errorf("archive %s checksum mismatch", key)
		}
	}

	raw, err := a.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive %s: %w", key, err)
	}

	var out []filelist.FileKey
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var e filelist.FileKey
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode archive entry in %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Days lists the starts of the archived days for stream, oldest first.
func (a *Archive) Days(ctx context.Context, stream filelist.StreamRef) ([]int64, error) {
	objects, err := a.store.List(ctx, streamPrefix(stream))
	if err != nil {
		return nil, fmt.Errorf("list archives for %s: %w", stream, err)
	}
	var days []int64
	for _, obj := range objects {
		if day, ok := dayOfKey(stream, obj.Key); ok {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// MinTS returns the start of the oldest archived day for stream, or zero
// when the stream has no archive.
func (a *Archive) MinTS(ctx context.Context, stream filelist.StreamRef) (int64, error) {
	days, err := a.Days(ctx, stream)
	if err != nil {
		return 0, err
	}
	if len(days) == 0 {
		return 0, nil
	}
	return days[0], nil
}

// DeleteRange removes archived entries whose hour lies entirely inside tr.
// Days fully covered drop their whole object; partially covered days are
// rewritten.
func (a *Archive) DeleteRange(ctx context.Context, stream filelist.StreamRef, tr timerange.Range) error {
	if tr.IsEmpty() {
		return nil
	}
	objects, err := a.store.List(ctx, streamPrefix(stream))
	if err != nil {
		return fmt.Errorf("list archives for %s: %w", stream, err)
	}

	for _, obj := range objects {
		day, ok := dayOfKey(stream, obj.Key)
		if !ok {
			continue
		}
		dayRange := timerange.Range{Start: day, End: day + timerange.DayMicros}
		if !tr.Intersects(dayRange) {
			continue
		}

		if tr.Contains(dayRange) {
			if err := a.store.Delete(ctx, obj.Key); err != nil {
				return fmt.Errorf("delete archive %s: %w", obj.Key, err)
			}
			if err := a.store.Delete(ctx, obj.Key+sumExt); err != nil {
				return fmt.Errorf("delete archive checksum %s: %w", obj.Key, err)
			}
			continue
		}

		entries, err := a.ReadDay(ctx, stream, day)
		if err != nil {
			return err
		}
		kept := make(map[string]filelist.FileKey)
		for _, e := range entries {
			parsed, err := filelist.ParseKey(e.Key)
			if err != nil {
				return fmt.Errorf("archived entry: %w", err)
			}
			if tr.Contains(timerange.HourOf(parsed.HourStart)) {
				continue
			}
			kept[e.Key] = e
		}
		if len(kept) == len(entries) {
			continue
		}
		if err := a.writeDay(ctx, stream, day, kept); err != nil {
			return err
		}
	}
	return nil
}
