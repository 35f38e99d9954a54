package eventprocessor

import (
	"sync"

	"github.com/mrzor/durability-tracer/internal/bpf"
	"github.com/mrzor/durability-tracer/internal/correlation"
	"github.com/mrzor/durability-tracer/internal/engine"
	"github.com/mrzor/durability-tracer/internal/metrics"
	"github.com/mrzor/durability-tracer/internal/murmur"

	"github.com/sirupsen/logrus"
)

// LifecycleHandler receives routed probe events.
type LifecycleHandler interface {
	Submit(ev engine.SubmitEvent)
	Notify(ev engine.NotifyEvent)
	Writeback(ev engine.WritebackEvent)
	JournalCommit(ev engine.CommitEvent)
}

// JobObserver is told about every job that submits a write.
type JobObserver interface {
	Observe(job correlation.JobID)
}

// Processor coordinates event processing.
type Processor struct {
	handler  LifecycleHandler
	observer JobObserver
	seed     uint32
	jobs     map[correlation.JobID]struct{} // nil means every job
	log      logrus.FieldLogger

	seedWarning sync.Once
}

// Option configures a Processor.
type Option func(*Processor)

// WithJobs restricts submission and completion events to the given jobs.
// Durability events are never filtered: they carry no job.
func WithJobs(jobs ...uint64) Option {
	return func(p *Processor) {
		if len(jobs) == 0 {
			return
		}
		p.jobs = make(map[correlation.JobID]struct{}, len(jobs))
		for _, j := range jobs {
			p.jobs[correlation.JobID(j)] = struct{}{}
		}
	}
}

// WithObserver registers a JobObserver.
func WithObserver(o JobObserver) Option {
	return func(p *Processor) { p.observer = o }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Processor) { p.log = log }
}

// NewProcessor creates a processor. seed must be the seed the kernel object
// was loaded with; it is used to cross-check kernel fingerprints.
func NewProcessor(handler LifecycleHandler, seed uint32, opts ...Option) *Processor {
	p := &Processor{
		handler: handler,
		seed:    seed,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleEvent routes events by type. Unknown types are ignored.
func (p *Processor) HandleEvent(event *bpf.Event) error {
	switch event.Type {
	case bpf.EVENT_SUBMIT:
		p.handleSubmit(event)
	case bpf.EVENT_NOTIFY:
		p.handleNotify(event)
	case bpf.EVENT_WRITEBACK:
		p.handleWriteback(event)
	case bpf.EVENT_JOURNAL_COMMIT:
		p.handleJournalCommit(event)
	case bpf.EVENT_COMMIT_TRUNCATED:
		p.handleCommitTruncated(event)
	default:
		// Unknown event type - ignore
	}
	return nil
}

func (p *Processor) wanted(job correlation.JobID) bool {
	if p.jobs == nil {
		return true
	}
	_, ok := p.jobs[job]
	return ok
}

// checkHash warns once when the kernel computed a different fingerprint,
// which means the object was loaded with another seed.
func (p *Processor) checkHash(event *bpf.Event) {
	if event.HashedInode == 0 || event.Inode == 0 {
		return
	}
	if want := murmur.HashInode(event.Inode, p.seed); want != event.HashedInode {
		p.seedWarning.Do(func() {
			p.log.WithFields(logrus.Fields{
				"inode":       event.Inode,
				"kernel_hash": event.HashedInode,
				"user_hash":   want,
			}).Warn("kernel and userspace fingerprints disagree; check the hash seed")
		})
	}
}

func (p *Processor) handleSubmit(event *bpf.Event) {
	job := correlation.JobID(event.JobID)
	if !p.wanted(job) {
		return
	}
	p.checkHash(event)
	if p.observer != nil {
		p.observer.Observe(job)
	}
	p.handler.Submit(engine.SubmitEvent{
		JobID:     job,
		Inode:     event.Inode,
		Hash:      event.HashedInode,
		Timestamp: event.Timestamp,
	})
}

func (p *Processor) handleNotify(event *bpf.Event) {
	job := correlation.JobID(event.JobID)
	if !p.wanted(job) {
		return
	}
	p.handler.Notify(engine.NotifyEvent{
		JobID:     job,
		Timestamp: event.Timestamp,
	})
}

func (p *Processor) handleWriteback(event *bpf.Event) {
	p.checkHash(event)
	p.handler.Writeback(engine.WritebackEvent{
		Inode:     event.Inode,
		Hash:      event.HashedInode,
		Timestamp: event.Timestamp,
	})
}

func (p *Processor) handleJournalCommit(event *bpf.Event) {
	p.checkHash(event)
	if event.Inode == 0 {
		return
	}
	p.handler.JournalCommit(engine.CommitEvent{
		Tid:       event.Tid,
		Device:    event.Dev,
		Inodes:    []uint64{event.Inode},
		Timestamp: event.Timestamp,
	})
}

// handleCommitTruncated counts commits whose later inodes were not reported.
// Writes to those files stay data-durable until a later commit covers them.
func (p *Processor) handleCommitTruncated(event *bpf.Event) {
	metrics.JournalCommitsTruncated.Inc()
	p.log.WithFields(logrus.Fields{
		"tid": event.Tid,
		"dev": event.Dev,
	}).Warn("journal commit had more inodes than the tracer captures")
}
