package filelist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

// MemoryStore is an in-process catalog for tests and single-node runs. All
// methods are safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	files      map[string]memEntry
	offsets    map[string]Offset
	jobs       map[int64]*MergeJob
	deleted    map[int64]memDeleted
	history    []FileKey
	manual     map[int64]*ManualJob
	stats      map[string]StreamStats
	nextFileID int64
	nextJobID  int64
	nextDelID  int64
	nextManID  int64
}

type memEntry struct {
	file   FileKey
	parsed ParsedKey
}

type memDeleted struct {
	file      FileKey
	plannedAt int64
}

// ManualJob is a user-requested one-off deletion tracked until retention
// covers its range.
type ManualJob struct {
	ID     int64
	Stream StreamRef
	Range  timerange.Range
	Done   bool
}

// StreamStats is the aggregate row kept per stream.
type StreamStats struct {
	FileNum        int64
	MinTS          int64
	MaxTS          int64
	Records        int64
	OriginalSize   int64
	CompressedSize int64
	IndexSize      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string]memEntry),
		offsets: make(map[string]Offset),
		jobs:    make(map[int64]*MergeJob),
		deleted: make(map[int64]memDeleted),
		manual:  make(map[int64]*ManualJob),
		stats:   make(map[string]StreamStats),
	}
}

func (m *MemoryStore) BatchProcess(_ context.Context, events []FileKey) error {
	if err := ValidateEvents(events); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		parsed, err := ParseKey(e.Key)
		if err != nil {
			return err
		}
		if cur, ok := m.files[e.Key]; ok {
			cur.file.Deleted = e.Deleted
			if !e.Deleted {
				cur.file.Meta = e.Meta
			}
			m.files[e.Key] = cur
			continue
		}
		m.nextFileID++
		e.ID = m.nextFileID
		m.files[e.Key] = memEntry{file: e, parsed: parsed}
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, stream StreamRef, tr timerange.Range) ([]FileKey, error) {
	if tr.IsEmpty() {
		return nil, nil
	}
	lo, hi := HourDir(tr.Start), HourDir(tr.End-1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FileKey
	for _, e := range m.files {
		if e.file.Deleted || e.parsed.Stream != stream {
			continue
		}
		if e.parsed.HourDir < lo || e.parsed.HourDir > hi {
			continue
		}
		out = append(out, e.file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) QueryOldDataHours(_ context.Context, stream StreamRef, tr timerange.Range) ([]string, error) {
	if tr.IsEmpty() {
		return nil, nil
	}
	lo, hi := HourDir(tr.Start), HourDir(tr.End-1)
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range m.files {
		if e.file.Deleted || e.parsed.Stream != stream {
			continue
		}
		if e.parsed.HourDir < lo || e.parsed.HourDir > hi {
			continue
		}
		seen[e.parsed.HourDir] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) MinTS(_ context.Context, stream StreamRef, scope *timerange.Range) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min int64
	for _, e := range m.files {
		if e.file.Deleted || e.parsed.Stream != stream {
			continue
		}
		if scope != nil && !scope.Intersects(timerange.Range{Start: e.file.Meta.MinTS, End: e.file.Meta.MaxTS + 1}) {
			continue
		}
		if min == 0 || e.file.Meta.MinTS < min {
			min = e.file.Meta.MinTS
		}
	}
	return min, nil
}

func (m *MemoryStore) IDsByKeys(_ context.Context, keys []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		if e, ok := m.files[k]; ok {
			out[k] = e.file.ID
		}
	}
	return out, nil
}

func (m *MemoryStore) RemoveEntries(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.files, k)
	}
	return nil
}

func (m *MemoryStore) GetOffset(_ context.Context, key string) (Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[key], nil
}

func (m *MemoryStore) SetOffset(_ context.Context, key string, off Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[key] = off
	return nil
}

func (m *MemoryStore) AddJob(_ context.Context, stream StreamRef, offset int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Stream == stream && j.Offset == offset {
			if j.Status == JobDone {
				j.Status = JobPending
				j.UpdatedAt = time.Now()
			}
			return j.ID, nil
		}
	}
	m.nextJobID++
	j := &MergeJob{
		ID:        m.nextJobID,
		Stream:    stream,
		Offset:    offset,
		Status:    JobPending,
		UpdatedAt: time.Now(),
	}
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *MemoryStore) LeaseJobs(_ context.Context, node string, limit int, runTimeout time.Duration) ([]MergeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := time.Now().Add(-runTimeout)
	ids := make([]int64, 0, len(m.jobs))
	for id, j := range m.jobs {
		if j.Status == JobPending || (j.Status == JobRunning && j.UpdatedAt.Before(stale)) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]MergeJob, 0, len(ids))
	for _, id := range ids {
		j := m.jobs[id]
		j.Status = JobRunning
		j.Node = node
		j.UpdatedAt = time.Now()
		out = append(out, *j)
	}
	return out, nil
}

func (m *MemoryStore) SetJobDone(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok {
			return ErrJobNotFound
		}
		j.Status = JobDone
		j.Error = ""
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) SetJobError(_ context.Context, id int64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = JobPending
	j.Error = msg
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddDeleted(_ context.Context, entries []FileKey, plannedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.nextDelID++
		e.ID = m.nextDelID
		m.deleted[e.ID] = memDeleted{file: e, plannedAt: plannedAt}
	}
	return nil
}

func (m *MemoryStore) QueryDeleted(_ context.Context, cutoff int64, limit int) ([]FileKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FileKey
	for _, d := range m.deleted {
		if d.plannedAt <= cutoff {
			out = append(out, d.file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RemoveDeleted(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.deleted, id)
	}
	return nil
}

func (m *MemoryStore) AddHistory(_ context.Context, entries []FileKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entries...)
	return nil
}

// AddManualJob registers a user-requested deletion range. Not part of Store:
// the request path lives outside the compactor.
func (m *MemoryStore) AddManualJob(stream StreamRef, tr timerange.Range) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextManID++
	m.manual[m.nextManID] = &ManualJob{ID: m.nextManID, Stream: stream, Range: tr}
	return m.nextManID
}

// ManualJobDone reports whether a manual job has been reconciled.
func (m *MemoryStore) ManualJobDone(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.manual[id]
	return ok && j.Done
}

func (m *MemoryStore) CompleteManualJobs(_ context.Context, stream StreamRef, tr timerange.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.manual {
		if j.Stream == stream && tr.Contains(j.Range) {
			j.Done = true
		}
	}
	return nil
}

func (m *MemoryStore) RefreshStats(_ context.Context, stream StreamRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st StreamStats
	for _, e := range m.files {
		if e.file.Deleted || e.parsed.Stream != stream {
			continue
		}
		st.FileNum++
		st.Records += e.file.Meta.Records
		st.OriginalSize += e.file.Meta.OriginalSize
		st.CompressedSize += e.file.Meta.CompressedSize
		st.IndexSize += e.file.Meta.IndexSize
		if st.MinTS == 0 || e.file.Meta.MinTS < st.MinTS {
			st.MinTS = e.file.Meta.MinTS
		}
		if e.file.Meta.MaxTS > st.MaxTS {
			st.MaxTS = e.file.Meta.MaxTS
		}
	}
	m.stats[stream.String()] = st
	return nil
}

// Stats returns the last refreshed aggregates for stream.
func (m *MemoryStore) Stats(stream StreamRef) StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[stream.String()]
}

// Entry returns the current catalog row for key, if present.
func (m *MemoryStore) Entry(key string) (FileKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[key]
	return e.file, ok
}

// Job returns a copy of the job record.
func (m *MemoryStore) Job(id int64) (MergeJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return MergeJob{}, false
	}
	return *j, true
}

// HistoryLen reports how many entries the history table holds.
func (m *MemoryStore) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// PendingDeleteLen reports how many pending physical deletions are queued.
func (m *MemoryStore) PendingDeleteLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleted)
}

func (m *MemoryStore) Close() error { return nil }
