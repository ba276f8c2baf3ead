// Package merger turns a batch of parquet files into one sorted output
// file, optionally aggregating metric rows into coarser time buckets.
package merger

import (
	"context"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
)

const (
	// TimestampField is the row timestamp column, microseconds. Every
	// ingested file carries it and outputs are sorted by it.
	TimestampField = "_timestamp"
	// ValueField is the metric sample column downsampling aggregates.
	ValueField = "value"
)

// AggFunction folds metric samples that land in the same bucket.
type AggFunction string

const (
	AggAvg  AggFunction = "avg"
	AggSum  AggFunction = "sum"
	AggMin  AggFunction = "min"
	AggMax  AggFunction = "max"
	AggLast AggFunction = "last"
)

// ParseAggFunction maps a config string to an aggregation function,
// defaulting to avg.
func ParseAggFunction(s string) AggFunction {
	switch AggFunction(s) {
	case AggSum, AggMin, AggMax, AggLast:
		return AggFunction(s)
	default:
		return AggAvg
	}
}

// Downsampling folds rows into Step-sized buckets per label set.
type Downsampling struct {
	// Step is the bucket width in seconds.
	Step     int64
	Function AggFunction
}

// Input is one parquet file to merge.
type Input struct {
	Key  string
	Data []byte
}

// Request describes one merge.
type Request struct {
	Inputs []Input
	// LatestFields seeds the output schema; columns found in inputs but
	// not listed here are unioned in.
	LatestFields []schema.Field
	// DefinedFields, when non-empty, projects the output onto these
	// columns. The timestamp column always survives.
	DefinedFields []string
	// Downsampling switches from plain merging to bucket aggregation.
	Downsampling *Downsampling
}

// Output is one merged parquet file with stats taken from the rows
// actually written.
type Output struct {
	Data    []byte
	Records int64
	MinTS   int64
	MaxTS   int64
	// Fields is the output schema's column names, for index building.
	Fields []string
}

// FileMerger merges parquet files.
type FileMerger interface {
	Merge(ctx context.Context, req Request) ([]Output, error)
}
