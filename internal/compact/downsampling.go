package compact

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/merger"
)

// DownsamplingRule selects metrics streams whose data, once old enough, is
// aggregated into coarser buckets instead of plainly merged.
type DownsamplingRule struct {
	// Stream is a regular expression matched against the stream name. Empty
	// matches every metrics stream.
	Stream string `yaml:"stream"`
	// OffsetSeconds is how old data must be before the rule applies.
	OffsetSeconds int64 `yaml:"offset"`
	// StepSeconds is the output bucket width.
	StepSeconds int64 `yaml:"step"`
	// Function folds the samples of one bucket: avg, sum, min, max, last.
	Function string `yaml:"function"`

	re *regexp.Regexp
}

// Matches reports whether the rule covers stream. Only metrics streams are
// ever downsampled.
func (r *DownsamplingRule) Matches(stream filelist.StreamRef) bool {
	if stream.Type != filelist.StreamMetrics {
		return false
	}
	return r.re == nil || r.re.MatchString(stream.Name)
}

// Downsampling returns the merge-level aggregation spec for the rule.
func (r *DownsamplingRule) Downsampling() *merger.Downsampling {
	return &merger.Downsampling{Step: r.StepSeconds, Function: merger.ParseAggFunction(r.Function)}
}

// Rules is a validated set of downsampling rules, ordered widest step first
// so lookups prefer the coarsest applicable aggregation.
type Rules struct {
	rules []*DownsamplingRule
}

// NewRules validates and compiles the configured rules.
func NewRules(rules []DownsamplingRule) (*Rules, error) {
	out := make([]*DownsamplingRule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if r.StepSeconds <= 0 {
			return nil, fmt.Errorf("downsampling rule %d: step must be positive, got %d", i, r.StepSeconds)
		}
		if r.OffsetSeconds < 0 {
			return nil, fmt.Errorf("downsampling rule %d: offset must not be negative, got %d", i, r.OffsetSeconds)
		}
		if r.Stream != "" {
			re, err := regexp.Compile(r.Stream)
			if err != nil {
				return nil, fmt.Errorf("downsampling rule %d: bad stream pattern: %w", i, err)
			}
			r.re = re
		}
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepSeconds > out[j].StepSeconds })
	return &Rules{rules: out}, nil
}

// Matching returns every rule covering stream, widest step first. Each rule
// drives its own watermark, so a stream can hold several aggregation levels
// at once.
func (rs *Rules) Matching(stream filelist.StreamRef) []*DownsamplingRule {
	if rs == nil {
		return nil
	}
	var out []*DownsamplingRule
	for _, r := range rs.rules {
		if r.Matches(stream) {
			out = append(out, r)
		}
	}
	return out
}

// Largest returns the widest-step rule covering stream whose age gate has
// passed for data written at ts, or nil when the data still merges plainly.
func (rs *Rules) Largest(stream filelist.StreamRef, ts, now int64) *DownsamplingRule {
	if rs == nil {
		return nil
	}
	for _, r := range rs.rules {
		if r.Matches(stream) && now-ts >= r.OffsetSeconds*1_000_000 {
			return r
		}
	}
	return nil
}
