package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/logger"
)

var errAborted = errors.New("provider was aborted")
var errDisposed = errors.New("provider was disposed")

var _ Provider = (*Driver)(nil)

// Driver implements Provider on top of a Backend. A Driver runs exactly one
// job; it must not be reused for a second one.
type Driver struct {
	backend Backend
	writer  events.Writer
	log     *logger.Logger

	mu       sync.Mutex
	session  *Session
	conn     Conn
	cancel   context.CancelFunc
	executed bool
	aborted  bool
	disposed bool
}

// New returns a Driver running jobs on the given backend, writing
// notifications to w.
func New(b Backend, w events.Writer, log *logger.Logger) *Driver {
	if w == nil {
		w = events.Discard
	}
	if log == nil {
		log = logger.Sub("provider")
	}
	return &Driver{
		backend: b,
		writer:  w,
		log:     log.WithFields("backend", b.Name()),
	}
}

// Session returns the current session, or nil before Initialize.
func (d *Driver) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Initialize validates the descriptors and runs the backend's connection
// and identity setup. Calling it again on an initialized Driver is a no-op.
func (d *Driver) Initialize(ctx context.Context, j *Job, h *Host) error {
	d.mu.Lock()
	switch {
	case d.aborted:
		d.mu.Unlock()
		return &Error{Kind: JobCancelled, Phase: PhaseInitialize, Err: errAborted}
	case d.disposed:
		d.mu.Unlock()
		return &Error{Kind: InvalidRequest, Phase: PhaseInitialize, Err: errDisposed}
	case d.session != nil:
		d.mu.Unlock()
		return nil
	}
	if err := j.Validate(); err != nil {
		d.mu.Unlock()
		return &Error{Kind: InvalidRequest, Phase: PhaseInitialize, Err: err}
	}
	if err := h.Validate(); err != nil {
		d.mu.Unlock()
		return &Error{Kind: InvalidRequest, Phase: PhaseInitialize, Err: err}
	}

	s := NewSession(j, h, d.writer, d.log)
	ctx, cancel := context.WithCancel(s.Context(ctx))
	d.session = s
	d.cancel = cancel
	d.mu.Unlock()

	d.log.Info("initializing session", "sessionID", s.ID, "executable", j.Executable)
	conn, err := d.backend.Open(ctx, s)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel = nil
	cancel()

	if err != nil {
		if d.aborted {
			return &Error{Kind: JobCancelled, Phase: PhaseInitialize, Err: err}
		}
		return classify(err, PhaseInitialize, RemoteConnectionError)
	}
	if d.aborted || d.disposed {
		closeConn(d.log, conn)
		return &Error{Kind: JobCancelled, Phase: PhaseInitialize, Err: errAborted}
	}
	d.conn = conn
	return nil
}

// Execute runs the job through the lifecycle, initializing first if needed.
// The session's connection is released before Execute returns, whether or
// not the run succeeded.
func (d *Driver) Execute(ctx context.Context, j *Job, h *Host) (*Result, error) {
	if err := d.Initialize(ctx, j, h); err != nil {
		if s := d.Session(); s != nil {
			s.Notify(ctx, events.NewFailed(s.ID, err))
		}
		return nil, err
	}

	d.mu.Lock()
	if d.aborted {
		d.mu.Unlock()
		return nil, &Error{Kind: JobCancelled, Phase: PhaseStage, Err: errAborted}
	}
	if d.executed || d.conn == nil {
		d.mu.Unlock()
		return nil, &Error{Kind: InvalidRequest, Phase: PhaseStage, Err: errors.New("provider already executed a job")}
	}
	d.executed = true
	s, conn := d.session, d.conn
	ctx, cancel := context.WithCancel(s.Context(ctx))
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		cancel()
		d.release()
	}()

	res, err := Lifecycle(ctx, d.backend.Name(), s, conn)

	d.mu.Lock()
	aborted := d.aborted
	d.mu.Unlock()
	if err != nil && aborted && !IsKind(err, JobCancelled) {
		var perr *Error
		if errors.As(err, &perr) {
			perr.Kind = JobCancelled
		}
		res.Status = JobCancellation
	}
	return res, err
}

// Dispose releases everything the session holds. It never fails; cleanup
// errors are logged.
func (d *Driver) Dispose() {
	d.mu.Lock()
	d.disposed = true
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.release()

	if s := d.Session(); s != nil {
		_ = s.Transition(Disposed)
	}
}

// Abort cancels the job, best effort, from any state. It is safe to call
// before Initialize, and concurrently with Execute.
func (d *Driver) Abort() {
	d.mu.Lock()
	d.aborted = true
	if d.cancel != nil {
		d.cancel()
	}
	s, conn := d.session, d.conn
	d.mu.Unlock()

	if s != nil {
		d.log.Info("aborting session", "sessionID", s.ID, "state", s.State())
		_ = s.Transition(Cancelled)
	}
	if conn != nil {
		if err := conn.Cancel(); err != nil {
			d.log.Error("failed to cancel job", err)
		}
	}
	d.release()
}

func (d *Driver) release() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		closeConn(d.log, conn)
	}
}

func closeConn(log *logger.Logger, conn Conn) {
	if err := conn.Close(); err != nil {
		log.Error("failed to release session resources", err)
	}
}
