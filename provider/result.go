package provider

import (
	"fmt"
	"time"

	"github.com/ohsu-comp-bio/gfac/job"
)

// Job and Host are aliases for the descriptors, for brevity in signatures.
type (
	Job  = job.Job
	Host = job.Host
)

// Status is the terminal status of an execution.
type Status int

// Execution statuses.
const (
	Success Status = iota + 1
	JobFailure
	JobCancellation
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case JobFailure:
		return "failed"
	case JobCancellation:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of one execution.
type Result struct {
	SessionID string
	Backend   string
	Status    Status
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Duration  time.Duration
	// Outputs maps declared output names to their values.
	Outputs map[string]string
}
