package eventstream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mrzor/durability-tracer/internal/bpf"
)

var eventNames = map[uint8]string{
	bpf.EVENT_SUBMIT:           "submit",
	bpf.EVENT_NOTIFY:           "notify",
	bpf.EVENT_WRITEBACK:        "writeback",
	bpf.EVENT_JOURNAL_COMMIT:   "journal_commit",
	bpf.EVENT_COMMIT_TRUNCATED: "commit_truncated",
}

// FromEvent converts a probe event to its recorded form.
func FromEvent(event *bpf.Event) RecordedEvent {
	name, ok := eventNames[event.Type]
	if !ok {
		name = fmt.Sprintf("type_%d", event.Type)
	}
	return RecordedEvent{
		Type:      name,
		Job:       event.JobID,
		Inode:     event.Inode,
		Hash:      event.HashedInode,
		Tid:       event.Tid,
		Dev:       event.Dev,
		Timestamp: event.Timestamp,
	}
}

// Recorder writes every event as a JSON line, in the format JSONLSource
// reads, before handing it to the next handler.
type Recorder struct {
	mu   sync.Mutex
	enc  *json.Encoder
	next EventHandler
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer, next EventHandler) *Recorder {
	return &Recorder{enc: json.NewEncoder(w), next: next}
}

// HandleEvent records event and forwards it. A failed write does not stop
// the event from being processed.
func (r *Recorder) HandleEvent(event *bpf.Event) error {
	r.mu.Lock()
	werr := r.enc.Encode(FromEvent(event))
	r.mu.Unlock()

	if err := r.next.HandleEvent(event); err != nil {
		return err
	}
	if werr != nil {
		return fmt.Errorf("recording event: %w", werr)
	}
	return nil
}
