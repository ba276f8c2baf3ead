package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/kv"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// markerPrefix keys every pending deletion unit in the metadata store.
const markerPrefix = "retention/"

// allSuffix marks a whole-stream deletion.
const allSuffix = "all"

// Unit is one pending deletion: a range of one stream, or the whole stream.
type Unit struct {
	Stream filelist.StreamRef
	Range  timerange.Range
	All    bool
}

func markerKey(u Unit) string {
	if u.All {
		return fmt.Sprintf("%s%s/%s/%s/%s", markerPrefix, u.Stream.Org, u.Stream.Type, u.Stream.Name, allSuffix)
	}
	return fmt.Sprintf("%s%s/%s/%s/%d,%d", markerPrefix, u.Stream.Org, u.Stream.Type, u.Stream.Name, u.Range.Start, u.Range.End)
}

func parseMarker(key string) (Unit, error) {
	rest, ok := strings.CutPrefix(key, markerPrefix)
	if !ok {
		return Unit{}, fmt.Errorf("malformed retention marker %q", key)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return Unit{}, fmt.Errorf("malformed retention marker %q", key)
	}
	u := Unit{Stream: filelist.StreamRef{
		Org:  parts[0],
		Type: filelist.ParseStreamType(parts[1]),
		Name: parts[2],
	}}
	if parts[3] == allSuffix {
		u.All = true
		return u, nil
	}
	lo, hi, ok := strings.Cut(parts[3], ",")
	if !ok {
		return Unit{}, fmt.Errorf("malformed retention marker %q", key)
	}
	start, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return Unit{}, fmt.Errorf("malformed retention marker %q: %w", key, err)
	}
	end, err := strconv.ParseInt(hi, 10, 64)
	if err != nil {
		return Unit{}, fmt.Errorf("malformed retention marker %q: %w", key, err)
	}
	u.Range = timerange.Range{Start: start, End: end}
	return u, nil
}

func (e *Engine) markPending(ctx context.Context, u Unit) error {
	enqueuedAt := strconv.FormatInt(e.now().UTC().UnixMicro(), 10)
	if err := e.deps.Meta.Put(ctx, markerKey(u), []byte(enqueuedAt)); err != nil {
		return fmt.Errorf("enqueue retention unit: %w", err)
	}
	return nil
}

// RequestDeleteAll enqueues deletion of the whole stream. The next retention
// tick on any node picks it up.
func (e *Engine) RequestDeleteAll(ctx context.Context, stream filelist.StreamRef) error {
	return e.markPending(ctx, Unit{Stream: stream, All: true})
}

// PendingUnits lists enqueued deletion units. Markers that no longer parse
// are dropped rather than wedging the queue.
func (e *Engine) PendingUnits(ctx context.Context) ([]Unit, error) {
	entries, err := e.deps.Meta.List(ctx, markerPrefix)
	if err != nil {
		return nil, fmt.Errorf("list retention units: %w", err)
	}
	units := make([]Unit, 0, len(entries))
	for _, entry := range entries {
		u, err := parseMarker(entry.Key)
		if err != nil {
			e.log.Warn("dropping malformed retention marker", "key", entry.Key, "error", err)
			if derr := e.deps.Meta.Delete(ctx, entry.Key); derr != nil {
				e.log.Warn("drop retention marker failed", "key", entry.Key, "error", derr)
			}
			continue
		}
		units = append(units, u)
	}
	return units, nil
}

// runUnit executes one deletion unit under the cluster lock. A unit whose
// marker is already gone was finished by another node.
func (e *Engine) runUnit(ctx context.Context, u Unit) error {
	key := markerKey(u)
	unlock, err := e.deps.Locker.Lock(ctx, "/compact/"+key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil {
			e.log.Warn("unlock failed", "key", key, "error", uerr)
		}
	}()

	if _, err := e.deps.Meta.Get(ctx, key); errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("read retention marker: %w", err)
	}

	if u.All {
		err = e.DeleteAll(ctx, u.Stream)
	} else {
		err = e.DeleteByDate(ctx, u.Stream, u.Range)
	}
	if err != nil {
		return err
	}
	if err := e.deps.Meta.Delete(ctx, key); err != nil {
		return fmt.Errorf("mark retention unit done: %w", err)
	}
	return nil
}
