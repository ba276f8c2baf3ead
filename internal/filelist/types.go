// Package filelist defines the file-list catalog: the transactional record of
// every columnar file a stream owns, the per-stream compaction watermarks, and
// the merge job queue that drives the compactor.
package filelist

import (
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// Root prefix for all stream data objects.
const FileRoot = "files"

// StreamType is the closed set of stream kinds the platform stores.
type StreamType string

const (
	StreamLogs    StreamType = "logs"
	StreamMetrics StreamType = "metrics"
	StreamTraces  StreamType = "traces"
)

// ParseStreamType maps a config/path token to a StreamType. Unknown tokens
// default to logs.
func ParseStreamType(s string) StreamType {
	switch strings.ToLower(s) {
	case "metrics":
		return StreamMetrics
	case "traces":
		return StreamTraces
	default:
		return StreamLogs
	}
}

// StreamRef identifies one tenant stream.
type StreamRef struct {
	Org  string     `json:"org"`
	Type StreamType `json:"stream_type"`
	Name string     `json:"stream_name"`
}

func (s StreamRef) String() string {
	return s.Org + "/" + string(s.Type) + "/" + s.Name
}

// OffsetKey is the watermark record key for normal merge jobs.
func (s StreamRef) OffsetKey() string {
	return s.String()
}

// DownsamplingOffsetKey is the watermark record key for one downsampling
// rule; each rule advances independently.
func (s StreamRef) DownsamplingOffsetKey(step int64) string {
	return fmt.Sprintf("%s/downsampling/%d", s.String(), step)
}

// FileMeta is the row-level statistics block carried by every catalog entry.
// MinTS/MaxTS are inclusive microsecond bounds over the file's rows.
type FileMeta struct {
	MinTS          int64 `json:"min_ts"`
	MaxTS          int64 `json:"max_ts"`
	Records        int64 `json:"records"`
	OriginalSize   int64 `json:"original_size"`
	CompressedSize int64 `json:"compressed_size"`
	IndexSize      int64 `json:"index_size"`
	Flattened      bool  `json:"flattened"`
}

// FileKey identifies one stored columnar file. ID is zero until the catalog
// has persisted the entry. Deleted entries are tombstones; their objects are
// reclaimed later by the deletion janitor.
type FileKey struct {
	ID       int64    `json:"id"`
	Account  string   `json:"account"`
	Key      string   `json:"key"`
	Meta     FileMeta `json:"meta"`
	Deleted  bool     `json:"deleted"`
	Segments []int64  `json:"segment_ids,omitempty"`
}

// NewFileKey returns a not-yet-persisted entry for key.
func NewFileKey(account, key string, meta FileMeta) FileKey {
	return FileKey{Account: account, Key: key, Meta: meta}
}

// Tombstone returns a copy of f marked deleted.
func (f FileKey) Tombstone() FileKey {
	f.Deleted = true
	return f
}

// Offset is a stream compaction watermark plus the node that owns it.
type Offset struct {
	Micros int64  `json:"offset"`
	Node   string `json:"node"`
}

// JobStatus is the lifecycle state of a merge job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
)

// MergeJob is one unit of compaction work: a stream and the start of the time
// bucket to merge. The exact date range is re-derived from Offset at
// execution time.
type MergeJob struct {
	ID        int64     `json:"id"`
	Stream    StreamRef `json:"stream"`
	Offset    int64     `json:"offset"`
	Status    JobStatus `json:"status"`
	Node      string    `json:"node,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// hourLayout is the directory layout below the stream root. Files are placed
// by the hour their rows belong to.
const hourLayout = "2006/01/02/15"

// HourDir formats ts as the catalog's hour directory segment.
func HourDir(ts int64) string {
	return time.UnixMicro(ts).UTC().Format(hourLayout)
}

// BuildKey assembles the object key for a file in stream holding data for the
// hour containing ts.
func BuildKey(stream StreamRef, ts int64, file string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", FileRoot, stream.Org, stream.Type, stream.Name, HourDir(ts), file)
}

// HourPrefix returns the directory prefix shared by every file of stream in
// the hour containing ts. This is the compaction partition key.
func HourPrefix(stream StreamRef, ts int64) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", FileRoot, stream.Org, stream.Type, stream.Name, HourDir(ts))
}

// StreamPrefix returns the directory prefix holding all of stream's files,
// with a trailing slash.
func StreamPrefix(stream StreamRef) string {
	return fmt.Sprintf("%s/%s/%s/%s/", FileRoot, stream.Org, stream.Type, stream.Name)
}

// ParsedKey is the decomposition of a catalog object key.
type ParsedKey struct {
	Stream StreamRef
	// HourStart is the start of the key's hour directory in epoch micros.
	HourStart int64
	// HourDir is the raw YYYY/MM/DD/HH segment.
	HourDir string
	// File is the final path segment.
	File string
}

// Prefix reassembles the partition prefix for the parsed key.
func (p ParsedKey) Prefix() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", FileRoot, p.Stream.Org, p.Stream.Type, p.Stream.Name, p.HourDir)
}

// ParseKey splits key into stream, hour directory, and file name.
// Keys look like files/{org}/{type}/{name}/{YYYY}/{MM}/{DD}/{HH}/{file}.
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 9 || parts[0] != FileRoot {
		return ParsedKey{}, fmt.Errorf("malformed file key %q", key)
	}
	hourDir := strings.Join(parts[4:8], "/")
	t, err := time.ParseInLocation(hourLayout, hourDir, time.UTC)
	if err != nil {
		return ParsedKey{}, fmt.Errorf("malformed hour segment in key %q: %w", key, err)
	}
	return ParsedKey{
		Stream: StreamRef{
			Org:  parts[1],
			Type: ParseStreamType(parts[2]),
			Name: parts[3],
		},
		HourStart: t.UnixMicro(),
		HourDir:   hourDir,
		File:      parts[8],
	}, nil
}

// ParseHourDir parses an hour directory segment back to the hour start in
// epoch micros.
func ParseHourDir(dir string) (int64, error) {
	t, err := time.ParseInLocation(hourLayout, dir, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("malformed hour directory %q: %w", dir, err)
	}
	return t.UnixMicro(), nil
}

// HoursOf lists the hour directory segments covered by tr, clipped to whole
// hours, oldest first.
func HoursOf(tr timerange.Range) []string {
	if tr.IsEmpty() {
		return nil
	}
	var out []string
	for cur := timerange.TruncateHour(tr.Start); cur < tr.End; cur += timerange.HourMicros {
		out = append(out, HourDir(cur))
	}
	return out
}
