// Package bpf provides Go bindings for the durability tracer's eBPF object.
package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

//go:generate sh -c "bpftool btf dump file /sys/kernel/btf/vmlinux format c > vmlinux.h"
//go:generate clang -O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I. -I/usr/include -c durability.bpf.c -o durability.bpf.o

// Event type constants matching kernel/C conventions.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	EVENT_SUBMIT           = 1
	EVENT_NOTIFY           = 2
	EVENT_WRITEBACK        = 3
	EVENT_JOURNAL_COMMIT   = 4
	EVENT_COMMIT_TRUNCATED = 5 // commit had more inodes than the tracer captures
)

// Kernel-side lifecycle states stored in InflightValue.State.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	STATE_SUBMITTED    = 1
	STATE_ACKNOWLEDGED = 2
	STATE_DATA_DURABLE = 3
)

// EventSize is the size of struct event in the ring buffer.
const EventSize = 40

// Event matches struct event from durability.bpf.c.
type Event struct {
	Timestamp   uint64 // bpf_ktime_get_ns
	JobID       uint64 // tgid of the submitting process, 0 for kernel events
	Inode       uint64
	HashedInode uint32
	Tid         uint32 // journal transaction id (EVENT_JOURNAL_COMMIT)
	Dev         uint32 // journal device (EVENT_JOURNAL_COMMIT)
	Type        uint8
	_           [3]byte
}

// InflightValue matches struct inflight_value, the value type of the
// kernel-side inflight map.
type InflightValue struct {
	JobID       uint64
	Inode       uint64
	HashedInode uint32
	State       uint32
	SubmittedAt uint64
}

// ParseEvent decodes one ring buffer sample.
func ParseEvent(raw []byte) (*Event, error) {
	if len(raw) < EventSize {
		return nil, fmt.Errorf("short event: %d bytes, want %d", len(raw), EventSize)
	}
	var event Event
	if err := binary.Read(bytes.NewReader(raw[:EventSize]), binary.LittleEndian, &event); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &event, nil
}

// MarshalEvent encodes an event in ring buffer layout.
func MarshalEvent(event *Event) []byte {
	var buf bytes.Buffer
	buf.Grow(EventSize)
	// Writes to a bytes.Buffer of a fixed-size struct cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, event) //nolint:errcheck
	return buf.Bytes()
}

// Programs holds the probe handlers of the object.
type Programs struct {
	UringSubmit        *ebpf.Program `ebpf:"uring_submit"`
	UringWaitCqe       *ebpf.Program `ebpf:"uring_wait_cqe"`
	WritebackEnter     *ebpf.Program `ebpf:"writeback_enter"`
	WritebackExit      *ebpf.Program `ebpf:"writeback_exit"`
	JournalCommitEnter *ebpf.Program `ebpf:"journal_commit_enter"`
	JournalCommitExit  *ebpf.Program `ebpf:"journal_commit_exit"`
}

// Maps holds the maps of the object.
type Maps struct {
	Inflight      *ebpf.Map `ebpf:"inflight"`
	TrackedPids   *ebpf.Map `ebpf:"tracked_pids"`
	WritebackArgs *ebpf.Map `ebpf:"writeback_args"`
	Committing    *ebpf.Map `ebpf:"committing"`
	CommitArgs    *ebpf.Map `ebpf:"commit_args"`
	Rb            *ebpf.Map `ebpf:"rb"`
}

// Objects provides access to the loaded programs and maps.
type Objects struct {
	Programs
	Maps
}

// Close releases every program and map.
func (o *Objects) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{
		o.UringSubmit, o.UringWaitCqe, o.WritebackEnter, o.WritebackExit,
		o.JournalCommitEnter, o.JournalCommitExit,
		o.Inflight, o.TrackedPids, o.WritebackArgs, o.Committing, o.CommitArgs, o.Rb,
	} {
		// Close is nil-safe on both *ebpf.Program and *ebpf.Map.
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadOptions tunes the object before it is loaded.
type LoadOptions struct {
	// Seed is written to the hash_seed constant.
	Seed uint32
	// FilterPIDs makes the submission probe ignore processes missing from
	// the tracked_pids map.
	FilterPIDs bool
	// MaxInflight overrides max_entries of the inflight map when > 0.
	MaxInflight uint32
}

// LoadObjects loads the compiled object at path into the kernel.
func LoadObjects(path string, opts LoadOptions) (*Objects, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("reading BPF object %s: %w", path, err)
	}

	if opts.MaxInflight > 0 {
		m, ok := spec.Maps["inflight"]
		if !ok {
			return nil, errors.New("BPF object has no inflight map")
		}
		m.MaxEntries = opts.MaxInflight
	}

	if err := setVariable(spec, "hash_seed", opts.Seed); err != nil {
		return nil, err
	}
	var filter uint32
	if opts.FilterPIDs {
		filter = 1
	}
	if err := setVariable(spec, "filter_pids", filter); err != nil {
		return nil, err
	}

	var objs Objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}
	return &objs, nil
}

func setVariable(spec *ebpf.CollectionSpec, name string, value uint32) error {
	v, ok := spec.Variables[name]
	if !ok {
		return fmt.Errorf("BPF object has no %s constant", name)
	}
	if err := v.Set(value); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return nil
}
