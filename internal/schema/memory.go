package schema

import (
	"context"
	"sort"
	"sync"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
)

// MemoryRegistry is an in-process Registry for tests and single-node runs.
type MemoryRegistry struct {
	mu       sync.RWMutex
	versions map[filelist.StreamRef][]Version
	settings map[filelist.StreamRef]Settings
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		versions: make(map[filelist.StreamRef][]Version),
		settings: make(map[filelist.StreamRef]Settings),
	}
}

// Register appends a schema revision for stream.
func (r *MemoryRegistry) Register(stream filelist.StreamRef, v Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[stream] = append(r.versions[stream], v)
}

// SetSettings replaces the stream's settings.
func (r *MemoryRegistry) SetSettings(stream filelist.StreamRef, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[stream] = s
}

func (r *MemoryRegistry) Streams(_ context.Context) ([]filelist.StreamRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[filelist.StreamRef]bool)
	var out []filelist.StreamRef
	for s := range r.versions {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for s := range r.settings {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *MemoryRegistry) Latest(_ context.Context, stream filelist.StreamRef) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[stream]
	if len(versions) == 0 {
		return Version{}, ErrStreamNotFound
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.CreatedAt >= latest.CreatedAt {
			latest = v
		}
	}
	return latest, nil
}

func (r *MemoryRegistry) Settings(_ context.Context, stream filelist.StreamRef) (Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.settings[stream]; ok {
		return s, nil
	}
	return DefaultSettings(), nil
}

func (r *MemoryRegistry) ArchiveBefore(_ context.Context, stream filelist.StreamRef, ts int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.versions[stream]
	if len(versions) <= 1 {
		return 0, nil
	}

	newest := 0
	for i, v := range versions {
		if v.CreatedAt >= versions[newest].CreatedAt {
			newest = i
		}
	}

	var kept []Version
	dropped := 0
	for i, v := range versions {
		if i != newest && v.CreatedAt < ts {
			dropped++
			continue
		}
		kept = append(kept, v)
	}
	r.versions[stream] = kept
	return dropped, nil
}
