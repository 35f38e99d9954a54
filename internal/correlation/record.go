package correlation

import "fmt"

// JobID identifies the job (process) that submitted a write.
type JobID uint64

// State is the lifecycle position of a tracked write.
type State uint8

// Lifecycle states. Durable is terminal and never stored: reaching it
// removes the record.
const (
	Submitted State = iota + 1
	Acknowledged
	DataDurable
	Durable
)

// String returns the transition name used in trace output.
func (s State) String() string {
	switch s {
	case Submitted:
		return "submit"
	case Acknowledged:
		return "acknowledge"
	case DataDurable:
		return "data-durable"
	case Durable:
		return "durable"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText lets states appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is the lifecycle record of the most recent outstanding write of a job.
type Record struct {
	JobID          JobID  `json:"job_id"`
	Inode          uint64 `json:"file_inode"`
	HashedIdentity uint32 `json:"hashed_identity"`
	State          State  `json:"state"`
	// Acknowledged is set once the completion queue entry was reaped, which
	// may happen after the record already became data-durable.
	Acknowledged bool `json:"acknowledged"`
	// Seq is assigned by the table and increases with every upsert.
	Seq         uint64 `json:"seq"`
	SubmittedAt uint64 `json:"submitted_at_ns"`
	UpdatedAt   uint64 `json:"updated_at_ns"`
}
