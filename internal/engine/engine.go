package engine

import (
	"errors"
	"time"

	"github.com/mrzor/durability-tracer/internal/correlation"
	"github.com/mrzor/durability-tracer/internal/metrics"
	"github.com/mrzor/durability-tracer/internal/murmur"

	"github.com/sirupsen/logrus"
)

// casAttempts bounds the read-modify-write retries of a single handler.
const casAttempts = 3

// Options configures an Engine.
type Options struct {
	Capacity int
	Seed     uint32
	Mode     JournalMode
	// VerifyIdentity compares the raw inode on fingerprint matches and
	// ignores collisions.
	VerifyIdentity bool
	Emitter        Emitter
	Logger         logrus.FieldLogger
}

// Engine owns the correlation table and applies probe events to it.
type Engine struct {
	table   *correlation.Table
	seed    uint32
	mode    JournalMode
	verify  bool
	emitter Emitter
	log     logrus.FieldLogger
}

// New creates an engine with an empty table.
func New(opts Options) *Engine {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = nopEmitter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	e := &Engine{
		table:   correlation.New(opts.Capacity),
		seed:    opts.Seed,
		mode:    opts.Mode,
		verify:  opts.VerifyIdentity,
		emitter: emitter,
		log:     logger,
	}
	metrics.TableCapacity.Set(float64(e.table.Cap()))
	e.updateGauge()
	return e
}

// Seed returns the fingerprint seed.
func (e *Engine) Seed() uint32 { return e.seed }

// Mode returns the journal mode.
func (e *Engine) Mode() JournalMode { return e.mode }

// Lookup returns the live record of job.
func (e *Engine) Lookup(job correlation.JobID) (correlation.Record, bool) {
	return e.table.Lookup(job)
}

// Snapshot returns every in-flight record, oldest first.
func (e *Engine) Snapshot() []correlation.Record {
	return e.table.Snapshot()
}

// Len returns the number of in-flight records.
func (e *Engine) Len() int { return e.table.Len() }

// Cap returns the table capacity.
func (e *Engine) Cap() int { return e.table.Cap() }

// Submit starts (or supersedes) tracking of the job's latest write.
func (e *Engine) Submit(ev SubmitEvent) {
	hash := ev.Hash
	if ev.Inode != 0 || hash == 0 {
		hash = murmur.HashInode(ev.Inode, e.seed)
	}

	rec := correlation.Record{
		JobID:          ev.JobID,
		Inode:          ev.Inode,
		HashedIdentity: hash,
		State:          correlation.Submitted,
		SubmittedAt:    ev.Timestamp,
		UpdatedAt:      ev.Timestamp,
	}

	stored, err := e.table.Upsert(rec)
	if errors.Is(err, correlation.ErrCapacity) {
		metrics.SubmissionsDropped.Inc()
		e.log.WithFields(logrus.Fields{
			"job":   ev.JobID,
			"inode": ev.Inode,
		}).Debug("correlation table full, submission not tracked")
		return
	}

	e.updateGauge()
	e.emit(transitionOf(stored, correlation.Submitted, ev.Timestamp))
}

// Notify records that the job reaped a completion for its tracked write.
func (e *Engine) Notify(ev NotifyEvent) {
	for i := 0; i < casAttempts; i++ {
		rec, ok := e.table.Lookup(ev.JobID)
		if !ok {
			return
		}
		if rec.Acknowledged {
			return
		}

		next := rec
		next.Acknowledged = true
		next.UpdatedAt = ev.Timestamp
		if rec.State == correlation.Submitted {
			next.State = correlation.Acknowledged
		}

		if e.table.CompareAndSwap(rec, next) {
			e.emit(transitionOf(next, correlation.Acknowledged, ev.Timestamp))
			return
		}
	}
	e.log.WithField("job", ev.JobID).Debug("completion notification lost a race with a new submission")
}

// Writeback marks every write to the flushed file as data-durable. Without
// a metadata journal this is the terminal transition.
func (e *Engine) Writeback(ev WritebackEvent) {
	hash := ev.Hash
	if ev.Inode != 0 {
		hash = murmur.HashInode(ev.Inode, e.seed)
	}

	matched := 0
	for _, rec := range e.table.MatchHash(hash) {
		if !e.covers(rec, ev.Inode, ev.Timestamp) {
			continue
		}
		matched++

		if rec.State == correlation.DataDurable {
			continue
		}

		if e.mode == JournalNone {
			if e.table.CompareAndRemove(rec) {
				e.finalize(rec, ev.Timestamp, 0)
			}
			continue
		}

		next := rec
		next.State = correlation.DataDurable
		next.UpdatedAt = ev.Timestamp
		if e.table.CompareAndSwap(rec, next) {
			e.emit(transitionOf(next, correlation.DataDurable, ev.Timestamp))
		}
	}

	if matched == 0 {
		metrics.UnmatchedDurabilityEvents.WithLabelValues(metrics.ProbeWriteback).Inc()
		e.log.WithFields(logrus.Fields{
			"inode": ev.Inode,
			"hash":  hash,
		}).Trace("writeback matched no tracked write")
	}
}

// JournalCommit finalizes every data-durable write to a file covered by the
// committed transaction. Writes whose data is not yet written back stay.
func (e *Engine) JournalCommit(ev CommitEvent) {
	matched := 0
	for _, inode := range ev.Inodes {
		hash := murmur.HashInode(inode, e.seed)
		for _, rec := range e.table.MatchHash(hash) {
			if !e.covers(rec, inode, ev.Timestamp) {
				continue
			}
			matched++

			if rec.State != correlation.DataDurable {
				continue
			}
			if e.table.CompareAndRemove(rec) {
				e.finalize(rec, ev.Timestamp, ev.Tid)
			}
		}
	}

	if matched == 0 {
		metrics.UnmatchedDurabilityEvents.WithLabelValues(metrics.ProbeJournalCommit).Inc()
		e.log.WithFields(logrus.Fields{
			"tid":    ev.Tid,
			"inodes": len(ev.Inodes),
		}).Trace("journal commit matched no tracked write")
	}
}

// covers reports whether a durability event for inode at ts applies to rec.
// Writes submitted after the event cannot be covered by it.
func (e *Engine) covers(rec correlation.Record, inode, ts uint64) bool {
	if e.verify && inode != 0 && rec.Inode != inode {
		metrics.HashCollisions.Inc()
		e.log.WithFields(logrus.Fields{
			"job":             rec.JobID,
			"tracked_inode":   rec.Inode,
			"event_inode":     inode,
			"hashed_identity": rec.HashedIdentity,
		}).Debug("fingerprint collision ignored")
		return false
	}
	if ts != 0 && rec.SubmittedAt > ts {
		return false
	}
	return true
}

func (e *Engine) finalize(rec correlation.Record, ts uint64, tid uint32) {
	e.updateGauge()

	t := transitionOf(rec, correlation.Durable, ts)
	t.Tid = tid
	if ts >= rec.SubmittedAt && rec.SubmittedAt != 0 {
		//nolint:gosec // monotonic ns deltas fit in int64
		t.Latency = time.Duration(ts - rec.SubmittedAt)
		metrics.DurabilityLatency.Observe(t.Latency.Seconds())
	}
	e.emit(t)
}

func (e *Engine) emit(t Transition) {
	metrics.Transitions.WithLabelValues(t.Kind.String()).Inc()

	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"job":        t.JobID,
				"transition": t.Kind,
			}).Errorf("trace emitter panicked: %v", r)
		}
	}()
	e.emitter.Emit(t)
}

func (e *Engine) updateGauge() {
	metrics.InflightRecords.Set(float64(e.table.Len()))
}

func transitionOf(rec correlation.Record, kind correlation.State, ts uint64) Transition {
	return Transition{
		Kind:      kind,
		JobID:     rec.JobID,
		Inode:     rec.Inode,
		Hash:      rec.HashedIdentity,
		Timestamp: ts,
	}
}
