// Package timerange provides half-open microsecond time intervals and the
// set operations the retention engine runs on them.
package timerange

import (
	"fmt"
	"sort"
	"time"
)

// Microseconds per hour and per day. All timestamps in the catalog are
// microseconds since the Unix epoch.
const (
	HourMicros = int64(time.Hour / time.Microsecond)
	DayMicros  = 24 * HourMicros
)

// Range is a half-open interval [Start, End) in epoch microseconds.
// A Range with End <= Start is empty.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// IsEmpty reports whether the range covers no time at all.
func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

// Intersects reports whether r and o share at least one microsecond.
func (r Range) Intersects(o Range) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return r.Start < o.End && o.Start < r.End
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return r.Start <= o.Start && o.End <= r.End
}

// Clip returns the intersection of r and bounds. The second result is false
// when they do not overlap.
func (r Range) Clip(bounds Range) (Range, bool) {
	if !r.Intersects(bounds) {
		return Range{}, false
	}
	out := r
	if bounds.Start > out.Start {
		out.Start = bounds.Start
	}
	if bounds.End < out.End {
		out.End = bounds.End
	}
	return out, true
}

// SplitBy removes cut from r and returns the remaining pieces in order.
// The result has zero, one, or two ranges.
func (r Range) SplitBy(cut Range) []Range {
	if r.IsEmpty() {
		return nil
	}
	if cut.IsEmpty() || !r.Intersects(cut) {
		return []Range{r}
	}
	var out []Range
	if r.Start < cut.Start {
		out = append(out, Range{Start: r.Start, End: cut.Start})
	}
	if cut.End < r.End {
		out = append(out, Range{Start: cut.End, End: r.End})
	}
	return out
}

// Flatten sorts the input and merges overlapping or touching ranges into a
// minimal disjoint set. Empty ranges are dropped. Flatten is idempotent and
// never mutates its argument.
func Flatten(ranges []Range) []Range {
	live := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsEmpty() {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Start != live[j].Start {
			return live[i].Start < live[j].Start
		}
		return live[i].End < live[j].End
	})
	out := live[:1]
	for _, r := range live[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Subtract removes every range in cuts from base and returns what is left,
// sorted and disjoint. cuts need not be flattened.
func Subtract(base Range, cuts []Range) []Range {
	remaining := []Range{base}
	for _, cut := range Flatten(cuts) {
		var next []Range
		for _, r := range remaining {
			next = append(next, r.SplitBy(cut)...)
		}
		remaining = next
	}
	return remaining
}

// TruncateHour aligns ts down to the start of its UTC hour.
func TruncateHour(ts int64) int64 {
	if ts < 0 {
		return ts - (HourMicros+ts%HourMicros)%HourMicros
	}
	return ts - ts%HourMicros
}

// TruncateDay aligns ts down to the start of its UTC day.
func TruncateDay(ts int64) int64 {
	if ts < 0 {
		return ts - (DayMicros+ts%DayMicros)%DayMicros
	}
	return ts - ts%DayMicros
}

// HourOf returns the hour-long range containing ts.
func HourOf(ts int64) Range {
	start := TruncateHour(ts)
	return Range{Start: start, End: start + HourMicros}
}

// DayOf returns the day-long range containing ts.
func DayOf(ts int64) Range {
	start := TruncateDay(ts)
	return Range{Start: start, End: start + DayMicros}
}

// Days cuts r into day-aligned pieces. The first and last pieces are clipped
// to r's bounds.
func Days(r Range) []Range {
	if r.IsEmpty() {
		return nil
	}
	var out []Range
	cur := r.Start
	for cur < r.End {
		dayEnd := TruncateDay(cur) + DayMicros
		if dayEnd > r.End {
			dayEnd = r.End
		}
		out = append(out, Range{Start: cur, End: dayEnd})
		cur = dayEnd
	}
	return out
}
