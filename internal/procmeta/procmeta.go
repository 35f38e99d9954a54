package procmeta

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// JobMetadata describes the process behind a job id.
type JobMetadata struct {
	Comm       string // /proc/<pid>/comm
	Executable string // /proc/<pid>/exe target
}

// LookupFunc resolves a pid to its metadata.
type LookupFunc func(pid int) (*JobMetadata, error)

// ProcLookup returns a LookupFunc reading the given procfs mount point.
func ProcLookup(mountPoint string) (LookupFunc, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", mountPoint, err)
	}
	return func(pid int) (*JobMetadata, error) {
		proc, err := fs.Proc(pid)
		if err != nil {
			return nil, fmt.Errorf("reading /proc/%d: %w", pid, err)
		}
		comm, err := proc.Comm()
		if err != nil {
			return nil, fmt.Errorf("reading comm of %d: %w", pid, err)
		}
		// The executable link is unreadable for other users' processes
		// without privileges; the command name is enough then.
		exe, _ := proc.Executable() //nolint:errcheck // optional field
		return &JobMetadata{Comm: comm, Executable: exe}, nil
	}, nil
}
