package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/rs/xid"
)

// State is the lifecycle state of an execution session.
type State int

// Session states.
const (
	Created State = iota
	Staged
	EnvReady
	Running
	Completed
	Failed
	Cancelled
	OutputCollected
	Disposed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Staged:
		return "STAGED"
	case EnvReady:
		return "ENV_READY"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	case OutputCollected:
		return "OUTPUT_COLLECTED"
	case Disposed:
		return "DISPOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the application can no longer run in this state.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, OutputCollected, Disposed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	Created:         {Staged},
	Staged:          {EnvReady},
	EnvReady:        {Running},
	Running:         {Completed, Failed},
	Completed:       {OutputCollected},
	Failed:          {OutputCollected},
	OutputCollected: {},
	Cancelled:       {},
}

func canTransition(from, to State) bool {
	if to == Disposed {
		return from != Disposed
	}
	// abort moves any non-terminal state straight to Cancelled
	if to == Cancelled {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the per-execution state owned by one Provider.
// It is never shared between jobs.
type Session struct {
	ID      string
	Job     *job.Job
	Host    *job.Host
	Created time.Time

	mu     sync.Mutex
	state  State
	writer events.Writer
	log    *logger.Logger
}

// NewSession creates a session in the Created state. Session IDs are
// globally unique and sort by creation time.
func NewSession(j *job.Job, h *job.Host, w events.Writer, log *logger.Logger) *Session {
	if w == nil {
		w = events.Discard
	}
	id := xid.New().String()
	if log == nil {
		log = logger.Sub("session")
	}
	return &Session{
		ID:      id,
		Job:     j,
		Host:    h,
		Created: time.Now(),
		state:   Created,
		writer:  w,
		log:     log.WithFields("sessionID", id),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the given state.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return Faultf(LocalError, "invalid session transition %s -> %s", s.state, to)
	}
	s.log.Debug("session state", "from", s.state, "to", to)
	s.state = to
	return nil
}

// Context returns ctx tagged with the session ID for logging.
func (s *Session) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, logger.SessionIDKey, s.ID)
}

// Notify writes an event to the session's notification sink. Delivery is
// fire-and-forget: failures are logged, never returned.
func (s *Session) Notify(ctx context.Context, ev *events.Event) {
	if err := s.writer.WriteEvent(ctx, ev); err != nil {
		s.log.Error("failed to write event", "type", ev.Type, "error", err)
	}
}

// Info notifies an informational message.
func (s *Session) Info(ctx context.Context, format string, args ...interface{}) {
	s.Notify(ctx, events.NewInfo(s.ID, fmt.Sprintf(format, args...)))
}

// Log returns the session's logger.
func (s *Session) Log() *logger.Logger {
	return s.log
}
