// Package provider runs a job on an execution backend through a fixed
// lifecycle: stage directories, configure the environment, notify start,
// run the application, notify finish, collect output.
package provider

import (
	"context"
)

// Backend opens execution sessions on one kind of execution substrate.
type Backend interface {
	// Name identifies the backend, e.g. "local" or "ssh".
	Name() string
	// Open performs the backend's connection and identity setup for a
	// session and returns the handle the lifecycle phases run on.
	Open(ctx context.Context, s *Session) (Conn, error)
}

// Conn is the live handle of one session, holding the backend's process,
// remote session, batch job or instance.
//
// Cancel may be called concurrently with any other method. Close must be
// safe to call more than once.
type Conn interface {
	// Stage creates the job's four directories if absent.
	Stage(ctx context.Context) error
	// ConfigureEnv makes env visible to the application once it runs.
	ConfigureEnv(ctx context.Context, env map[string]string) error
	// Run runs the application until it terminates.
	Run(ctx context.Context) (*RunStatus, error)
	// Fetch returns the application's captured stdout and stderr.
	Fetch(ctx context.Context) (*Streams, error)
	// Cancel terminates the running application, best effort.
	Cancel() error
	// Close releases everything the connection holds.
	Close() error
}

// PartialOutput is implemented by connections which can report output
// captured so far, for attaching to failed results.
type PartialOutput interface {
	Partial() *Streams
}

// Streams holds raw application output.
type Streams struct {
	Stdout []byte
	Stderr []byte
}

// RunStatus is the terminal status of the application.
type RunStatus struct {
	Status   Status
	ExitCode int
}

// Provider is the execution contract shared by every backend.
type Provider interface {
	Initialize(ctx context.Context, j *Job, h *Host) error
	Execute(ctx context.Context, j *Job, h *Host) (*Result, error)
	Dispose()
	Abort()
}
