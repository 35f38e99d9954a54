// Package bpfloader manages the lifecycle of the durability probes and their
// kernel and user-space attachments.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/mrzor/durability-tracer/internal/bpf"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
)

// Default attachment symbols.
const (
	DefaultSubmitSymbol = "io_uring_prep_write"
	DefaultNotifySymbol = "io_uring_wait_cqe"
	writebackSymbol     = "__writeback_single_inode"
	journalCommitSymbol = "jbd2_journal_commit_transaction"
)

// Target describes the monitored storage engine.
type Target struct {
	// Binary is the executable or shared library exporting the submission and
	// completion symbols. The default submit symbol is static inline in
	// liburing.h, so it is only exported by liburing-ffi.so.
	Binary string
	// PID restricts the user-space probes to one process; 0 means all.
	PID          int
	SubmitSymbol string
	NotifySymbol string
}

func (t Target) withDefaults() Target {
	if t.SubmitSymbol == "" {
		t.SubmitSymbol = DefaultSubmitSymbol
	}
	if t.NotifySymbol == "" {
		t.NotifySymbol = DefaultNotifySymbol
	}
	return t
}

// Loader manages the lifecycle of the BPF programs and their attachments.
type Loader struct {
	objs  *bpf.Objects
	links []namedLink
}

type namedLink struct {
	name string
	link link.Link
}

// New loads the BPF object at objectPath into the kernel.
func New(objectPath string, opts bpf.LoadOptions) (*Loader, error) {
	objs, err := bpf.LoadObjects(objectPath, opts)
	if err != nil {
		return nil, err
	}
	return &Loader{objs: objs}, nil
}

// closeErrorf detaches everything attached so far and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	for i := len(l.links) - 1; i >= 0; i-- {
		_ = l.links[i].link.Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	return fmt.Errorf("%s: %w", errstr, e)
}

// kernelProbe is one kprobe or kretprobe attachment.
type kernelProbe struct {
	name    string
	symbol  string
	program string // ebpf tag of the program in bpf.Programs
	ret     bool
}

// kernelProbes lists the durability attachments in attach order. Journal
// commit events are produced on return, once the commit block is written.
var kernelProbes = []kernelProbe{
	{"writeback kprobe", writebackSymbol, "writeback_enter", false},
	{"writeback kretprobe", writebackSymbol, "writeback_exit", true},
	{"journal commit kprobe", journalCommitSymbol, "journal_commit_enter", false},
	{"journal commit kretprobe", journalCommitSymbol, "journal_commit_exit", true},
}

func (l *Loader) program(tag string) (*ebpf.Program, error) {
	switch tag {
	case "writeback_enter":
		return l.objs.WritebackEnter, nil
	case "writeback_exit":
		return l.objs.WritebackExit, nil
	case "journal_commit_enter":
		return l.objs.JournalCommitEnter, nil
	case "journal_commit_exit":
		return l.objs.JournalCommitExit, nil
	default:
		return nil, fmt.Errorf("unknown program %q", tag)
	}
}

// symbolHint explains the most common uprobe failure: liburing's prep helpers
// are static inline and only exported by liburing-ffi.
func symbolHint(binary, symbol string, err error) error {
	if errors.Is(err, link.ErrNoSymbol) {
		return fmt.Errorf("%s does not export %s (use liburing-ffi.so or set the submit symbol): %w",
			binary, symbol, err)
	}
	return err
}

// Attach binds the submission and completion probes to target and the
// durability probes to the kernel writeback and journal commit paths.
func (l *Loader) Attach(target Target) error {
	target = target.withDefaults()

	ex, err := link.OpenExecutable(target.Binary)
	if err != nil {
		return fmt.Errorf("opening %s: %w", target.Binary, err)
	}
	uprobeOpts := &link.UprobeOptions{PID: target.PID}

	submit, err := ex.Uprobe(target.SubmitSymbol, l.objs.UringSubmit, uprobeOpts)
	if err != nil {
		return l.closeErrorf(fmt.Sprintf("attaching %s uprobe", target.SubmitSymbol),
			symbolHint(target.Binary, target.SubmitSymbol, err))
	}
	l.links = append(l.links, namedLink{"submit uprobe", submit})

	notify, err := ex.Uprobe(target.NotifySymbol, l.objs.UringWaitCqe, uprobeOpts)
	if err != nil {
		return l.closeErrorf(fmt.Sprintf("attaching %s uprobe", target.NotifySymbol),
			symbolHint(target.Binary, target.NotifySymbol, err))
	}
	l.links = append(l.links, namedLink{"notify uprobe", notify})

	for _, kp := range kernelProbes {
		prog, err := l.program(kp.program)
		if err != nil {
			return l.closeErrorf("attaching "+kp.name, err)
		}
		var lk link.Link
		if kp.ret {
			lk, err = link.Kretprobe(kp.symbol, prog, nil)
		} else {
			lk, err = link.Kprobe(kp.symbol, prog, nil)
		}
		if err != nil {
			return l.closeErrorf("attaching "+kp.name, err)
		}
		l.links = append(l.links, namedLink{kp.name, lk})
	}

	return nil
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving events.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.objs.Rb)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// TrackPID adds a PID to the tracked_pids map. It only has an effect when
// the object was loaded with FilterPIDs.
func (l *Loader) TrackPID(pid int) error {
	//nolint:gosec // int to uint32 conversion required for BPF map key type
	pidKey := uint32(pid)
	val := uint8(1)
	if err := l.objs.TrackedPids.Put(&pidKey, &val); err != nil {
		return fmt.Errorf("adding PID %d to tracked map: %w", pid, err)
	}
	return nil
}

// Inflight reads the kernel-side correlation table.
func (l *Loader) Inflight() ([]bpf.InflightValue, error) {
	var (
		key uint64
		val bpf.InflightValue
		out []bpf.InflightValue
	)
	it := l.objs.Inflight.Iterate()
	for it.Next(&key, &val) {
		out = append(out, val)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating inflight map: %w", err)
	}
	return out, nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", l.links[i].name, err))
		}
	}
	l.links = nil

	if err := l.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing BPF objects: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}
