package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/mrzor/durability-tracer/internal/correlation"
)

// SubmitEvent is produced when a job hands a write to the submission queue.
// Hash is the kernel-computed fingerprint; it is used only when Inode is
// unknown (zero), otherwise the engine hashes Inode with its own seed.
type SubmitEvent struct {
	JobID     correlation.JobID
	Inode     uint64
	Hash      uint32
	Timestamp uint64 // monotonic ns
}

// NotifyEvent is produced when a job reaps a completion queue entry.
type NotifyEvent struct {
	JobID     correlation.JobID
	Timestamp uint64
}

// WritebackEvent is produced when the kernel finished writing back the dirty
// pages of a file. Inode may be zero when only the fingerprint is known.
type WritebackEvent struct {
	Inode     uint64
	Hash      uint32
	Timestamp uint64
}

// CommitEvent is produced when the journal committed a transaction covering
// the listed inodes.
type CommitEvent struct {
	Tid       uint32
	Device    uint32
	Inodes    []uint64
	Timestamp uint64
}

// Transition is one lifecycle step, handed to the Emitter.
type Transition struct {
	Kind      correlation.State
	JobID     correlation.JobID
	Inode     uint64
	Hash      uint32
	Timestamp uint64
	// Tid is the committing journal transaction, set on Durable transitions
	// that were closed by a journal commit.
	Tid uint32
	// Latency is the time since submission, set on Durable transitions.
	Latency time.Duration
}

// Emitter receives transitions. Implementations must not block for long:
// they run inline with event processing.
type Emitter interface {
	Emit(t Transition)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(t Transition)

// Emit calls f(t).
func (f EmitterFunc) Emit(t Transition) { f(t) }

type nopEmitter struct{}

func (nopEmitter) Emit(Transition) {}

// JournalMode says whether writeback alone makes a write durable.
type JournalMode int

const (
	// JournalOrdered waits for the journal commit after writeback (ext4/jbd2).
	JournalOrdered JournalMode = iota
	// JournalNone treats writeback completion as terminal.
	JournalNone
)

func (m JournalMode) String() string {
	switch m {
	case JournalOrdered:
		return "ordered"
	case JournalNone:
		return "none"
	default:
		return fmt.Sprintf("JournalMode(%d)", int(m))
	}
}

// ParseJournalMode parses "ordered" or "none".
func ParseJournalMode(s string) (JournalMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ordered", "":
		return JournalOrdered, nil
	case "none":
		return JournalNone, nil
	default:
		return 0, fmt.Errorf("unknown journal mode %q (want ordered or none)", s)
	}
}
