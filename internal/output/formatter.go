package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/durability-tracer/internal/correlation"
	"github.com/mrzor/durability-tracer/internal/engine"
	"github.com/mrzor/durability-tracer/internal/timesync"

	"github.com/sirupsen/logrus"
)

// CommResolver names the process behind a job.
type CommResolver interface {
	Comm(job correlation.JobID) string
}

type unknownComm struct{}

func (unknownComm) Comm(correlation.JobID) string { return "?" }

// Config is shared by the emitters.
type Config struct {
	// Clock converts monotonic timestamps; nil prints raw nanoseconds.
	Clock *timesync.Converter
	// Names resolves command names; nil prints "?".
	Names  CommResolver
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Names == nil {
		c.Names = unknownComm{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

func (c Config) timestamp(ns uint64) string {
	if c.Clock == nil {
		return fmt.Sprintf("%d", ns)
	}
	return c.Clock.MonotonicToWallClock(ns).Format(time.RFC3339Nano)
}

// TextEmitter writes one line per transition:
//
//	<time> job=<id> comm=<name> inode=<ino> hash=0x<hash> transition=<name> [latency=<d>] [tid=<tid>]
type TextEmitter struct {
	mu  sync.Mutex
	w   io.Writer
	cfg Config
}

// NewTextEmitter creates a text emitter writing to w.
func NewTextEmitter(w io.Writer, cfg Config) *TextEmitter {
	return &TextEmitter{w: w, cfg: cfg.withDefaults()}
}

// Emit implements engine.Emitter.
func (e *TextEmitter) Emit(t engine.Transition) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s job=%d comm=%s inode=%d hash=0x%08x transition=%s",
		e.cfg.timestamp(t.Timestamp), t.JobID, e.cfg.Names.Comm(t.JobID), t.Inode, t.Hash, t.Kind)
	if t.Kind == correlation.Durable {
		fmt.Fprintf(&b, " latency=%s", t.Latency)
		if t.Tid != 0 {
			fmt.Fprintf(&b, " tid=%d", t.Tid)
		}
	}
	b.WriteByte('\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, b.String()); err != nil {
		e.cfg.Logger.WithError(err).Warn("Failed to write trace line")
	}
}

// jsonRecord is the JSONEmitter wire form.
type jsonRecord struct {
	Time       string            `json:"time"`
	Timestamp  uint64            `json:"ts"`
	Job        correlation.JobID `json:"job"`
	Comm       string            `json:"comm"`
	Inode      uint64            `json:"inode"`
	Hash       uint32            `json:"hash"`
	Transition correlation.State `json:"transition"`
	LatencyNs  int64             `json:"latency_ns,omitempty"`
	Tid        uint32            `json:"tid,omitempty"`
}

// JSONEmitter writes one JSON object per line.
type JSONEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
	cfg Config
}

// NewJSONEmitter creates a JSON lines emitter writing to w.
func NewJSONEmitter(w io.Writer, cfg Config) *JSONEmitter {
	return &JSONEmitter{enc: json.NewEncoder(w), cfg: cfg.withDefaults()}
}

// Emit implements engine.Emitter.
func (e *JSONEmitter) Emit(t engine.Transition) {
	rec := jsonRecord{
		Time:       e.cfg.timestamp(t.Timestamp),
		Timestamp:  t.Timestamp,
		Job:        t.JobID,
		Comm:       e.cfg.Names.Comm(t.JobID),
		Inode:      t.Inode,
		Hash:       t.Hash,
		Transition: t.Kind,
		LatencyNs:  t.Latency.Nanoseconds(),
		Tid:        t.Tid,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(rec); err != nil {
		e.cfg.Logger.WithError(err).Warn("Failed to write trace record")
	}
}

// New returns the emitter for format ("text" or "json").
func New(format string, w io.Writer, cfg Config) (engine.Emitter, error) {
	switch strings.ToLower(format) {
	case "text", "":
		return NewTextEmitter(w, cfg), nil
	case "json":
		return NewJSONEmitter(w, cfg), nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}
