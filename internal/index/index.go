// Package index defines the inverted index builder contract. The engine
// itself lives outside this service; merges call Build best effort and a
// failure never fails the merged file.
package index

import (
	"context"
	"strings"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
)

// Request describes one index build over a freshly merged file.
type Request struct {
	// Key is the merged parquet file's object key.
	Key string
	// Fields is every column the file carries.
	Fields []string
	// FullTextFields are tokenized, IndexFields indexed as terms.
	FullTextFields []string
	IndexFields    []string
	Data           []byte
}

// Builder writes an inverted index for a merged file and returns its size
// in bytes.
type Builder interface {
	Build(ctx context.Context, req Request) (int64, error)
}

// IndexKey maps a parquet object key to its index object key.
func IndexKey(key string) string {
	out := key
	if rest, ok := strings.CutPrefix(out, filelist.FileRoot+"/"); ok {
		out = "index/" + rest
	}
	if rest, ok := strings.CutSuffix(out, ".parquet"); ok {
		out = rest + ".idx"
	}
	return out
}

// Noop builds nothing. Used when no index engine is configured or the
// stream defines no indexed fields.
type Noop struct{}

func (Noop) Build(_ context.Context, _ Request) (int64, error) {
	return 0, nil
}
