// Package schema tracks stream schema versions and per-stream settings.
// Compaction reads it to project merged output onto the latest defined
// fields and to find retention overrides; it never registers schemas itself.
package schema

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// ErrStreamNotFound is returned by Latest for streams with no registered
// schema. Merge jobs treat this as "nothing to do".
var ErrStreamNotFound = errors.New("stream schema not found")

// PartitionLevel is the time granularity a stream is partitioned at in
// object storage.
type PartitionLevel string

const (
	PartitionHourly PartitionLevel = "hourly"
	PartitionDaily  PartitionLevel = "daily"
)

// ParsePartitionLevel maps a config string to a partition level,
// defaulting to hourly.
func ParsePartitionLevel(s string) PartitionLevel {
	if s == string(PartitionDaily) {
		return PartitionDaily
	}
	return PartitionHourly
}

// Field is one column of a stream schema.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Version is one registered schema revision.
type Version struct {
	Fields []Field
	// CreatedAt is when this revision was registered, microseconds.
	CreatedAt int64
}

// FieldNames returns the column names in registration order.
func (v Version) FieldNames() []string {
	names := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Settings carries the per-stream knobs compaction consults.
type Settings struct {
	// RetentionDays overrides the global retention window. Zero means
	// use the global default.
	RetentionDays int64
	// ExtendedRetentions lists time ranges excluded from retention
	// deletion, microseconds, half open.
	ExtendedRetentions []timerange.Range
	PartitionLevel     PartitionLevel
	// FullTextFields and IndexFields feed the inverted index builder.
	FullTextFields []string
	IndexFields    []string
	// DefinedFields, when non-empty, is the projection applied to merged
	// output. Empty keeps every column the inputs carry.
	DefinedFields []string
	// CreatedAt is the stream creation time, microseconds.
	CreatedAt int64
}

// DefaultSettings is what streams without an explicit settings row get.
func DefaultSettings() Settings {
	return Settings{PartitionLevel: PartitionHourly}
}

// Registry is the schema store the compactor reads.
type Registry interface {
	// Streams enumerates every known stream.
	Streams(ctx context.Context) ([]filelist.StreamRef, error)
	// Latest returns the newest schema revision, or ErrStreamNotFound.
	Latest(ctx context.Context, stream filelist.StreamRef) (Version, error)
	// Settings returns the stream's settings, or defaults when none are
	// registered.
	Settings(ctx context.Context, stream filelist.StreamRef) (Settings, error)
	// ArchiveBefore drops schema revisions created before ts, always
	// keeping the newest one. Returns how many were dropped.
	ArchiveBefore(ctx context.Context, stream filelist.StreamRef, ts int64) (int, error)
}
