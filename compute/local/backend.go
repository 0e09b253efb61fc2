// Package local runs jobs as processes on the local machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/armon/circbuf"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/util/fsutil"
	"golang.org/x/sync/errgroup"
)

// Name of the backend.
const Name = "local"

// NewBackend returns a new local Backend instance.
func NewBackend(conf config.Local, log *logger.Logger) *Backend {
	if conf.StderrTailBytes <= 0 {
		conf.StderrTailBytes = 4096
	}
	return &Backend{conf: conf, log: log}
}

// Backend represents the local backend.
type Backend struct {
	conf config.Local
	log  *logger.Logger
}

// Name returns "local".
func (b *Backend) Name() string {
	return Name
}

// Open returns a connection for the session. Nothing is acquired
// until the job runs.
func (b *Backend) Open(ctx context.Context, s *provider.Session) (provider.Conn, error) {
	return &conn{
		job:      s.Job,
		log:      s.Log(),
		tailSize: b.conf.StderrTailBytes,
	}, nil
}

type conn struct {
	job      *job.Job
	log      *logger.Logger
	tailSize int64

	mu      sync.Mutex
	env     []string
	cmd     *exec.Cmd
	done    chan struct{}
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	closed  bool
	cleanup sync.Once
}

func (c *conn) Stage(ctx context.Context) error {
	if err := fsutil.EnsureDirs(c.job.Dirs()...); err != nil {
		return provider.Fault(provider.LocalError, err)
	}
	return nil
}

func (c *conn) ConfigureEnv(ctx context.Context, env map[string]string) error {
	environ := os.Environ()
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}
	c.mu.Lock()
	c.env = environ
	c.mu.Unlock()
	return nil
}

func (c *conn) Run(ctx context.Context) (*provider.RunStatus, error) {
	stdoutFile, err := create(c.job.Stdout)
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	defer stdoutFile.Close()
	stderrFile, err := create(c.job.Stderr)
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	defer stderrFile.Close()

	tail, _ := circbuf.NewBuffer(c.tailSize)

	cmd := exec.Command(c.job.Executable, c.job.Args...)
	cmd.Dir = c.job.WorkDir
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, provider.Faultf(provider.JobCancelled, "connection closed")
	}
	cmd.Env = c.env
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, provider.Fault(provider.InvalidRequest, err)
		}
		return nil, provider.Fault(provider.LocalError, err)
	}
	c.cmd = cmd
	c.done = make(chan struct{})
	c.mu.Unlock()
	defer close(c.done)

	c.log.Debug("started process", "pid", cmd.Process.Pid, "cmd", c.job.Command())

	stop := context.AfterFunc(ctx, func() { c.Cancel() })
	defer stop()

	// Both pipes must be drained until EOF before Wait is called.
	var drain errgroup.Group
	drain.Go(func() error {
		return c.drain(stdoutPipe, stdoutFile, &c.stdout)
	})
	drain.Go(func() error {
		return c.drain(stderrPipe, stderrFile, &c.stderr, tail)
	})
	derr := drain.Wait()
	werr := cmd.Wait()

	// A process that exited on its own before the kill is not cancelled.
	if !stop() && werr != nil {
		return nil, ctx.Err()
	}
	if derr != nil {
		return nil, provider.Fault(provider.LocalError, fmt.Errorf("capturing output: %w", derr))
	}

	var exitErr *exec.ExitError
	switch {
	case werr == nil:
		return &provider.RunStatus{Status: provider.Success}, nil
	case errors.As(werr, &exitErr):
		// ExitCode is -1 when the process was killed by a signal.
		code := exitErr.ExitCode()
		c.log.Warn("process exited with non-zero code",
			"exitCode", code, "error", werr, "stderr", tail.String())
		return &provider.RunStatus{Status: provider.JobFailure, ExitCode: code}, nil
	default:
		return nil, provider.Fault(provider.LocalError, werr)
	}
}

// drain copies one of the process's pipes into its target file and an
// in-memory copy, under the connection lock so Partial can read safely.
func (c *conn) drain(r io.Reader, f *os.File, mem *bytes.Buffer, extra ...io.Writer) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				io.Copy(io.Discard, r)
				return werr
			}
			c.mu.Lock()
			mem.Write(buf[:n])
			c.mu.Unlock()
			for _, w := range extra {
				w.Write(buf[:n])
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) Fetch(ctx context.Context) (*provider.Streams, error) {
	stdout, err := os.ReadFile(c.job.Stdout)
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	stderr, err := os.ReadFile(c.job.Stderr)
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	return &provider.Streams{Stdout: stdout, Stderr: stderr}, nil
}

// Partial returns the output captured so far.
func (c *conn) Partial() *provider.Streams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &provider.Streams{
		Stdout: append([]byte(nil), c.stdout.Bytes()...),
		Stderr: append([]byte(nil), c.stderr.Bytes()...),
	}
}

// Cancel kills the process and its children, if running.
func (c *conn) Cancel() error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	return killProcessGroup(cmd)
}

// Close kills the process if it is still running. Nothing else is held.
func (c *conn) Close() error {
	var err error
	c.cleanup.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.Cancel()
	})
	return err
}

func create(p string) (*os.File, error) {
	if err := fsutil.EnsurePath(p); err != nil {
		return nil, err
	}
	return os.Create(p)
}
