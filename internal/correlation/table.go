package correlation

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultCapacity matches max_entries of the kernel inflight map.
const DefaultCapacity = 1000

const shardCount = 16

// ErrCapacity is returned by Upsert when a new job arrives at a full table.
var ErrCapacity = errors.New("correlation table at capacity")

type shard struct {
	mu      sync.Mutex
	records map[JobID]Record
}

// Table is a bounded, concurrency-safe JobID -> Record map.
type Table struct {
	capacity int64
	live     atomic.Int64
	seq      atomic.Uint64
	shards   [shardCount]shard
}

// New creates a table holding at most capacity live records.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{capacity: int64(capacity)}
	for i := range t.shards {
		t.shards[i].records = make(map[JobID]Record)
	}
	return t
}

func (t *Table) shardFor(job JobID) *shard {
	return &t.shards[uint64(job)%shardCount]
}

// Cap returns the configured capacity.
func (t *Table) Cap() int {
	return int(t.capacity)
}

// Len returns the number of live records.
func (t *Table) Len() int {
	return int(t.live.Load())
}

// Upsert inserts rec or supersedes the existing record of rec.JobID.
// The stored record, with its freshly assigned Seq, is returned.
func (t *Table) Upsert(rec Record) (Record, error) {
	s := t.shardFor(rec.JobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.JobID]; !ok {
		if t.live.Add(1) > t.capacity {
			t.live.Add(-1)
			return Record{}, ErrCapacity
		}
	}

	rec.Seq = t.seq.Add(1)
	s.records[rec.JobID] = rec
	return rec, nil
}

// Lookup returns the live record of job.
func (t *Table) Lookup(job JobID) (Record, bool) {
	s := t.shardFor(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[job]
	return rec, ok
}

// Remove deletes the record of job if there is one.
func (t *Table) Remove(job JobID) {
	s := t.shardFor(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[job]; ok {
		delete(s.records, job)
		t.live.Add(-1)
	}
}

// CompareAndSwap stores next in place of old, unless the record of old.JobID
// was removed or superseded since old was read. Seq and JobID are kept.
func (t *Table) CompareAndSwap(old, next Record) bool {
	s := t.shardFor(old.JobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[old.JobID]
	if !ok || cur.Seq != old.Seq {
		return false
	}
	next.JobID = old.JobID
	next.Seq = old.Seq
	s.records[old.JobID] = next
	return true
}

// CompareAndRemove deletes the record of old.JobID if it is still the same
// generation as old.
func (t *Table) CompareAndRemove(old Record) bool {
	s := t.shardFor(old.JobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[old.JobID]
	if !ok || cur.Seq != old.Seq {
		return false
	}
	delete(s.records, old.JobID)
	t.live.Add(-1)
	return true
}

// FindByHash returns one record whose fingerprint equals hash. When several
// jobs share the fingerprint the oldest record (lowest Seq) wins.
func (t *Table) FindByHash(hash uint32) (Record, bool) {
	var (
		best  Record
		found bool
	)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, rec := range s.records {
			if rec.HashedIdentity != hash {
				continue
			}
			if !found || rec.Seq < best.Seq {
				best = rec
				found = true
			}
		}
		s.mu.Unlock()
	}
	return best, found
}

// MatchHash returns every record whose fingerprint equals hash, oldest first.
func (t *Table) MatchHash(hash uint32) []Record {
	return t.collect(func(rec Record) bool { return rec.HashedIdentity == hash })
}

// Snapshot returns a copy of every live record ordered by Seq.
func (t *Table) Snapshot() []Record {
	return t.collect(func(Record) bool { return true })
}

// collect visits each shard under its own lock, so the result is consistent
// per shard but not across shards.
func (t *Table) collect(keep func(Record) bool) []Record {
	var out []Record
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, rec := range s.records {
			if keep(rec) {
				out = append(out, rec)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
