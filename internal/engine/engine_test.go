package engine

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/durability-tracer/internal/correlation"
	"github.com/mrzor/durability-tracer/internal/metrics"
	"github.com/mrzor/durability-tracer/internal/murmur"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recordingEmitter) Emit(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordingEmitter) kinds() []correlation.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]correlation.State, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.Kind
	}
	return out
}

func (r *recordingEmitter) last() Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[len(r.transitions)-1]
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *recordingEmitter) {
	t.Helper()
	rec := &recordingEmitter{}
	opts.Emitter = rec
	opts.Logger = quietLogger()
	return New(opts), rec
}

func TestEngine_Lifecycle(t *testing.T) {
	e, rec := newTestEngine(t, Options{Capacity: 10, VerifyIdentity: true})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42, Timestamp: 100})
	got, ok := e.Lookup(7)
	require.True(t, ok, "record present after submit")
	assert.Equal(t, correlation.Submitted, got.State)
	assert.Equal(t, murmur.HashInode(42, 0), got.HashedIdentity)

	e.Notify(NotifyEvent{JobID: 7, Timestamp: 200})
	got, ok = e.Lookup(7)
	require.True(t, ok, "record present after notify")
	assert.Equal(t, correlation.Acknowledged, got.State)
	assert.True(t, got.Acknowledged)
	assert.Equal(t, got.HashedIdentity, murmur.HashInode(42, 0), "notify keeps the identity")

	e.Writeback(WritebackEvent{Inode: 42, Timestamp: 300})
	got, ok = e.Lookup(7)
	require.True(t, ok, "record present until the journal commits")
	assert.Equal(t, correlation.DataDurable, got.State)

	e.JournalCommit(CommitEvent{Tid: 9, Inodes: []uint64{42}, Timestamp: 1_000_100})
	_, ok = e.Lookup(7)
	assert.False(t, ok, "record removed after journal commit")
	assert.Equal(t, 0, e.Len())

	assert.Equal(t, []correlation.State{
		correlation.Submitted,
		correlation.Acknowledged,
		correlation.DataDurable,
		correlation.Durable,
	}, rec.kinds())

	final := rec.last()
	assert.Equal(t, correlation.JobID(7), final.JobID)
	assert.Equal(t, uint64(42), final.Inode)
	assert.Equal(t, uint32(9), final.Tid)
	assert.Equal(t, time.Millisecond, final.Latency)
}

func TestEngine_SubmitSupersedes(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	e.Submit(SubmitEvent{JobID: 7, Inode: 99})

	assert.Equal(t, 1, e.Len())
	got, ok := e.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint64(99), got.Inode)
	assert.Equal(t, correlation.Submitted, got.State)
}

func TestEngine_SupersededRecordIgnoresOldFileDurability(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10, VerifyIdentity: true})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	e.Submit(SubmitEvent{JobID: 7, Inode: 99})
	e.Writeback(WritebackEvent{Inode: 42})
	e.JournalCommit(CommitEvent{Inodes: []uint64{42}})

	got, ok := e.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, correlation.Submitted, got.State)
}

func TestEngine_CapacityDropsNewSubmissions(t *testing.T) {
	const capacity = 4
	e, rec := newTestEngine(t, Options{Capacity: capacity})

	for job := 1; job <= capacity+1; job++ {
		e.Submit(SubmitEvent{JobID: correlation.JobID(job), Inode: uint64(job * 10)})
	}

	assert.Equal(t, capacity, e.Len())
	_, ok := e.Lookup(capacity + 1)
	assert.False(t, ok)
	assert.Len(t, rec.kinds(), capacity, "dropped submission emits nothing")

	for job := 1; job <= capacity; job++ {
		got, ok := e.Lookup(correlation.JobID(job))
		require.True(t, ok)
		assert.Equal(t, uint64(job*10), got.Inode)
	}

	// Later events for the dropped job are no-ops.
	e.Notify(NotifyEvent{JobID: capacity + 1})
	e.Writeback(WritebackEvent{Inode: (capacity + 1) * 10})
	assert.Equal(t, capacity, e.Len())
}

func TestEngine_JournalCommitWithoutMatchIsNoop(t *testing.T) {
	e, rec := newTestEngine(t, Options{Capacity: 10})
	e.Submit(SubmitEvent{JobID: 1, Inode: 10})
	before := e.Snapshot()

	assert.NotPanics(t, func() {
		e.JournalCommit(CommitEvent{Tid: 3, Inodes: []uint64{12345}})
		e.JournalCommit(CommitEvent{Tid: 4})
	})

	assert.Equal(t, before, e.Snapshot())
	assert.Len(t, rec.kinds(), 1)
}

func TestEngine_JournalCommitBeforeWritebackKeepsRecord(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	e.JournalCommit(CommitEvent{Inodes: []uint64{42}})

	got, ok := e.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, correlation.Submitted, got.State)
}

func TestEngine_NotifyAfterWritebackKeepsDataDurable(t *testing.T) {
	e, rec := newTestEngine(t, Options{Capacity: 10})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	e.Writeback(WritebackEvent{Inode: 42})
	e.Notify(NotifyEvent{JobID: 7})

	got, ok := e.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, correlation.DataDurable, got.State)
	assert.True(t, got.Acknowledged)

	e.Notify(NotifyEvent{JobID: 7})
	assert.Equal(t, []correlation.State{
		correlation.Submitted,
		correlation.DataDurable,
		correlation.Acknowledged,
	}, rec.kinds(), "a second notification is not reported again")
}

func TestEngine_NotifyUnknownJob(t *testing.T) {
	e, rec := newTestEngine(t, Options{Capacity: 10})
	e.Notify(NotifyEvent{JobID: 404})
	assert.Empty(t, rec.kinds())
	assert.Equal(t, 0, e.Len())
}

func TestEngine_JournalNoneWritebackIsTerminal(t *testing.T) {
	e, rec := newTestEngine(t, Options{Capacity: 10, Mode: JournalNone})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42, Timestamp: 10})
	e.Writeback(WritebackEvent{Inode: 42, Timestamp: 20})

	_, ok := e.Lookup(7)
	assert.False(t, ok)
	assert.Equal(t, []correlation.State{correlation.Submitted, correlation.Durable}, rec.kinds())
	assert.Equal(t, 10*time.Nanosecond, rec.last().Latency)
	assert.Zero(t, rec.last().Tid)
}

func TestEngine_WritebackCoversEveryWriterOfTheFile(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10})

	e.Submit(SubmitEvent{JobID: 1, Inode: 42})
	e.Submit(SubmitEvent{JobID: 2, Inode: 42})
	e.Submit(SubmitEvent{JobID: 3, Inode: 43})
	e.Writeback(WritebackEvent{Inode: 42})

	for _, job := range []correlation.JobID{1, 2} {
		got, _ := e.Lookup(job)
		assert.Equal(t, correlation.DataDurable, got.State, "job %d", job)
	}
	got, _ := e.Lookup(3)
	assert.Equal(t, correlation.Submitted, got.State)

	e.JournalCommit(CommitEvent{Inodes: []uint64{42, 43}})
	assert.Equal(t, 1, e.Len())
}

func TestEngine_WritebackByHashOnly(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10, Seed: 5, VerifyIdentity: true})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	e.Writeback(WritebackEvent{Hash: murmur.HashInode(42, 5)})

	got, _ := e.Lookup(7)
	assert.Equal(t, correlation.DataDurable, got.State)
}

func TestEngine_VerifyIdentityRejectsCollision(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10, VerifyIdentity: true})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	// Force a fingerprint collision by rewriting the stored inode.
	cur, _ := e.table.Lookup(7)
	forged := cur
	forged.Inode = 4242
	require.True(t, e.table.CompareAndSwap(cur, forged))

	e.Writeback(WritebackEvent{Inode: 42})
	got, _ := e.Lookup(7)
	assert.Equal(t, correlation.Submitted, got.State, "collision must not advance the record")
}

func TestEngine_WithoutVerificationAcceptsCollision(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42})
	cur, _ := e.table.Lookup(7)
	forged := cur
	forged.Inode = 4242
	require.True(t, e.table.CompareAndSwap(cur, forged))

	e.Writeback(WritebackEvent{Inode: 42})
	got, _ := e.Lookup(7)
	assert.Equal(t, correlation.DataDurable, got.State)
}

func TestEngine_DurabilityEventsDoNotCoverLaterSubmissions(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 10})

	e.Submit(SubmitEvent{JobID: 7, Inode: 42, Timestamp: 500})
	e.Writeback(WritebackEvent{Inode: 42, Timestamp: 400})

	got, _ := e.Lookup(7)
	assert.Equal(t, correlation.Submitted, got.State)
}

func TestEngine_EmitterPanicIsContained(t *testing.T) {
	e := New(Options{
		Capacity: 10,
		Logger:   quietLogger(),
		Emitter: EmitterFunc(func(Transition) {
			panic("boom")
		}),
	})

	assert.NotPanics(t, func() {
		e.Submit(SubmitEvent{JobID: 1, Inode: 1})
	})
	assert.Equal(t, 1, e.Len())
}

func TestEngine_ConcurrentEvents(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 64})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.Submit(SubmitEvent{JobID: correlation.JobID(i % 100), Inode: uint64(i % 10)})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.Notify(NotifyEvent{JobID: correlation.JobID(i % 100)})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.Writeback(WritebackEvent{Inode: uint64(i % 10)})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.JournalCommit(CommitEvent{Inodes: []uint64{uint64(i % 10)}})
			}
		}()
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.LessOrEqual(t, len(snap), 64)
	seen := make(map[correlation.JobID]bool)
	for _, rec := range snap {
		assert.False(t, seen[rec.JobID])
		seen[rec.JobID] = true
		assert.Equal(t, murmur.HashInode(rec.Inode, 0), rec.HashedIdentity, "record never a hybrid")
	}
}

func TestEngine_SubmitUsesKernelHashWithoutInode(t *testing.T) {
	e, rec := newTestEngine(t, Options{Capacity: 4, VerifyIdentity: true})

	e.Submit(SubmitEvent{JobID: 1, Hash: 0xfeedbeef, Timestamp: 1})
	got, ok := e.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint32(0xfeedbeef), got.HashedIdentity)

	e.Writeback(WritebackEvent{Hash: 0xfeedbeef, Timestamp: 2})
	assert.Equal(t, []correlation.State{correlation.Submitted, correlation.DataDurable}, rec.kinds())
}

func TestEngine_SubmitPrefersOwnHashForKnownInode(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 4, Seed: 9})

	e.Submit(SubmitEvent{JobID: 1, Inode: 42, Hash: murmur.HashInode(42, 3), Timestamp: 1})
	got, ok := e.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, murmur.HashInode(42, 9), got.HashedIdentity)
}

func TestEngine_Metrics(t *testing.T) {
	e, _ := newTestEngine(t, Options{Capacity: 1, VerifyIdentity: true})

	dropped := testutil.ToFloat64(metrics.SubmissionsDropped)
	unmatched := testutil.ToFloat64(metrics.UnmatchedDurabilityEvents.WithLabelValues(metrics.ProbeJournalCommit))

	e.Submit(SubmitEvent{JobID: 1, Inode: 10, Timestamp: 1})
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.InflightRecords), 0)

	e.Submit(SubmitEvent{JobID: 2, Inode: 20, Timestamp: 2})
	assert.InDelta(t, dropped+1, testutil.ToFloat64(metrics.SubmissionsDropped), 0)

	e.JournalCommit(CommitEvent{Tid: 1, Inodes: []uint64{30}, Timestamp: 3})
	assert.InDelta(t, unmatched+1,
		testutil.ToFloat64(metrics.UnmatchedDurabilityEvents.WithLabelValues(metrics.ProbeJournalCommit)), 0)
}

func TestParseJournalMode(t *testing.T) {
	tests := []struct {
		in      string
		want    JournalMode
		wantErr bool
	}{
		{in: "ordered", want: JournalOrdered},
		{in: "", want: JournalOrdered},
		{in: "NONE", want: JournalNone},
		{in: "writeback", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseJournalMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), map[JournalMode]string{JournalOrdered: "ordered", JournalNone: "none"}[got])
		})
	}
}
