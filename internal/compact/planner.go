package compact

import (
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
)

// MergeBatch is one unit of work for a merge worker: files sharing a
// partition prefix that fit together under the size and count caps.
type MergeBatch struct {
	Prefix string
	Files  []filelist.FileKey
}

// partitionPlan is one partition's batches, executed as a single task.
type partitionPlan struct {
	Prefix  string
	Batches []MergeBatch
}

// planPartitions groups files by partition prefix and packs each partition
// into merge batches. Files already at 95% of the size cap or more are left
// alone. Under downsampling each partition becomes a single batch so the
// aggregation sees every row, regardless of size.
func planPartitions(files []filelist.FileKey, strategy MergeStrategy, maxFileSize, maxGroupFiles int64, downsample bool) []partitionPlan {
	parts := make(map[string][]filelist.FileKey)
	for _, f := range files {
		prefix := f.Key
		if i := strings.LastIndex(f.Key, "/"); i >= 0 {
			prefix = f.Key[:i]
		}
		parts[prefix] = append(parts[prefix], f)
	}

	prefixes := make([]string, 0, len(parts))
	for p := range parts {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var plans []partitionPlan
	for _, prefix := range prefixes {
		group := parts[prefix]
		if downsample {
			plans = append(plans, partitionPlan{
				Prefix:  prefix,
				Batches: []MergeBatch{{Prefix: prefix, Files: group}},
			})
			continue
		}
		batches := packBatches(prefix, dropNearFull(group, maxFileSize), strategy, maxFileSize, maxGroupFiles)
		if len(batches) == 0 {
			continue
		}
		plans = append(plans, partitionPlan{Prefix: prefix, Batches: batches})
	}
	return plans
}

// dropNearFull removes files already at 95% or more of the size cap;
// re-merging them buys nothing.
func dropNearFull(files []filelist.FileKey, maxFileSize int64) []filelist.FileKey {
	limit := maxFileSize * 95 / 100
	out := make([]filelist.FileKey, 0, len(files))
	for _, f := range files {
		if f.Meta.OriginalSize > limit {
			continue
		}
		out = append(out, f)
	}
	return out
}

// packBatches packs ordered files greedily: a batch closes when the next
// file would push it past the size cap or the member cap. A closed batch
// with fewer than two files merges nothing and is dropped; under file_size
// ordering that also means every remaining file is at least as large, so
// the rest of the partition is skipped.
func packBatches(prefix string, files []filelist.FileKey, strategy MergeStrategy, maxFileSize, maxGroupFiles int64) []MergeBatch {
	ordered := orderFiles(files, strategy)

	var batches []MergeBatch
	var cur []filelist.FileKey
	var curSize int64
	for _, f := range ordered {
		overSize := curSize+f.Meta.OriginalSize > maxFileSize
		overCount := maxGroupFiles > 0 && int64(len(cur)) >= maxGroupFiles
		if overSize || overCount {
			if len(cur) >= 2 {
				batches = append(batches, MergeBatch{Prefix: prefix, Files: cur})
			} else if strategy == StrategyFileSize {
				return batches
			}
			cur = nil
			curSize = 0
		}
		cur = append(cur, f)
		curSize += f.Meta.OriginalSize
	}
	if len(cur) >= 2 {
		batches = append(batches, MergeBatch{Prefix: prefix, Files: cur})
	}
	return batches
}

// orderFiles arranges a partition's files per the configured strategy.
func orderFiles(files []filelist.FileKey, strategy MergeStrategy) []filelist.FileKey {
	out := make([]filelist.FileKey, len(files))
	copy(out, files)
	switch strategy {
	case StrategyFileTime:
		sortByMinTS(out)
	case StrategyTimeRange:
		out = groupNonOverlapping(out)
	default:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Meta.OriginalSize != out[j].Meta.OriginalSize {
				return out[i].Meta.OriginalSize < out[j].Meta.OriginalSize
			}
			return out[i].Key < out[j].Key
		})
	}
	return out
}

// groupNonOverlapping sorts by min_ts and assigns each file to the first
// group whose last member ends at or before the file begins, then
// concatenates the groups. Consecutive files inside one batch never
// overlap, so overlapping files land in separate batches.
func groupNonOverlapping(files []filelist.FileKey) []filelist.FileKey {
	sortByMinTS(files)
	var groups [][]filelist.FileKey
	for _, f := range files {
		placed := false
		for gi := range groups {
			last := groups[gi][len(groups[gi])-1]
			if f.Meta.MinTS >= last.Meta.MaxTS {
				groups[gi] = append(groups[gi], f)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []filelist.FileKey{f})
		}
	}
	out := make([]filelist.FileKey, 0, len(files))
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func sortByMinTS(files []filelist.FileKey) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Meta.MinTS != files[j].Meta.MinTS {
			return files[i].Meta.MinTS < files[j].Meta.MinTS
		}
		return files[i].Key < files[j].Key
	})
}
