package compact

import "strings"

// MergeStrategy orders a partition's files before greedy batching.
type MergeStrategy int

const (
	// StrategyFileSize packs smallest files first.
	StrategyFileSize MergeStrategy = iota
	// StrategyFileTime packs oldest files first.
	StrategyFileTime
	// StrategyTimeRange groups files with non-overlapping row ranges before
	// packing, so one output never interleaves rows from overlapping inputs.
	StrategyTimeRange
)

func (s MergeStrategy) String() string {
	switch s {
	case StrategyFileTime:
		return "file_time"
	case StrategyTimeRange:
		return "time_range"
	default:
		return "file_size"
	}
}

// ParseStrategy maps a config string to a merge strategy. Unknown values
// fall back to file_size.
func ParseStrategy(s string) MergeStrategy {
	switch strings.ToLower(s) {
	case "file_time":
		return StrategyFileTime
	case "time_range":
		return StrategyTimeRange
	default:
		return StrategyFileSize
	}
}
