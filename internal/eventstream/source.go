package eventstream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mrzor/durability-tracer/internal/bpf"

	"github.com/cilium/ebpf/ringbuf"
)

var (
	// ErrClosed is returned by Read once a Source is exhausted or closed.
	ErrClosed = errors.New("event source closed")
	// ErrSourceFailed wraps read errors after which a Source can yield
	// nothing more. Streams stop on it instead of retrying.
	ErrSourceFailed = errors.New("event source failed")
)

// MaxLineSize bounds one recorded event line.
const MaxLineSize = 1 << 20

// Source yields raw probe events in ring buffer layout.
type Source interface {
	// Read blocks until the next event is available.
	Read() ([]byte, error)
	Close() error
}

// RingbufSource adapts a cilium/ebpf ring buffer reader.
type RingbufSource struct {
	reader *ringbuf.Reader
}

// NewRingbufSource wraps rd.
func NewRingbufSource(rd *ringbuf.Reader) *RingbufSource {
	return &RingbufSource{reader: rd}
}

// Read returns the next ring buffer sample.
func (s *RingbufSource) Read() ([]byte, error) {
	record, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return record.RawSample, nil
}

// Close closes the underlying reader, unblocking a pending Read.
func (s *RingbufSource) Close() error {
	return s.reader.Close()
}

// RecordedEvent is the JSON form of one probe event.
type RecordedEvent struct {
	Type      string `json:"type"`
	Job       uint64 `json:"job,omitempty"`
	Inode     uint64 `json:"inode,omitempty"`
	Hash      uint32 `json:"hash,omitempty"`
	Tid       uint32 `json:"tid,omitempty"`
	Dev       uint32 `json:"dev,omitempty"`
	Timestamp uint64 `json:"ts,omitempty"`
}

var eventTypes = map[string]uint8{
	"submit":           bpf.EVENT_SUBMIT,
	"notify":           bpf.EVENT_NOTIFY,
	"writeback":        bpf.EVENT_WRITEBACK,
	"journal_commit":   bpf.EVENT_JOURNAL_COMMIT,
	"commit_truncated": bpf.EVENT_COMMIT_TRUNCATED,
}

// ToEvent converts a recorded event to ring buffer form.
func (r RecordedEvent) ToEvent() (*bpf.Event, error) {
	typ, ok := eventTypes[r.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
	return &bpf.Event{
		Timestamp:   r.Timestamp,
		JobID:       r.Job,
		Inode:       r.Inode,
		HashedInode: r.Hash,
		Tid:         r.Tid,
		Dev:         r.Dev,
		Type:        typ,
	}, nil
}

// JSONLSource replays recorded events, one JSON object per line.
// Blank lines and lines starting with '#' are skipped.
type JSONLSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	err     error
}

// NewJSONLSource reads events from r.
func NewJSONLSource(r io.Reader) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), MaxLineSize)
	s := &JSONLSource{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenJSONL opens a recorded event file.
func OpenJSONL(path string) (*JSONLSource, error) {
	f, err := os.Open(path) //nolint:gosec // replay file is chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	return NewJSONLSource(f), nil
}

// Read returns the next recorded event in ring buffer layout.
func (s *JSONLSource) Read() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for s.scanner.Scan() {
		s.line++
		line := s.scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var rec RecordedEvent
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", s.line, err)
		}
		event, err := rec.ToEvent()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", s.line, err)
		}
		return bpf.MarshalEvent(event), nil
	}
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("%w: reading replay file after line %d: %w", ErrSourceFailed, s.line, err)
		return nil, s.err
	}
	return nil, ErrClosed
}

// Close closes the underlying file, if any.
func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
