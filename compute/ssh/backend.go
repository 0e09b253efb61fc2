// Package ssh runs jobs on a remote host over a single authenticated
// ssh connection per session.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/credential"
	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/storage"
	"golang.org/x/crypto/ssh"
)

// Name of the backend.
const Name = "ssh"

// Backend represents the remote shell backend.
type Backend struct {
	conf    config.SSH
	logDir  string
	creds   credential.Resolver
	hostKey ssh.HostKeyCallback
	dialer  *Dialer
	log     *logger.Logger
}

// NewBackend returns a new ssh Backend. Remote stdout/stderr are copied
// into logDir, one directory per session. Host keys are checked with
// hostKey, see HostKeyCallback.
func NewBackend(conf config.SSH, logDir string, creds credential.Resolver, hostKey ssh.HostKeyCallback, log *logger.Logger) *Backend {
	if conf.Port == 0 {
		conf.Port = 22
	}
	return &Backend{
		conf:    conf,
		logDir:  logDir,
		creds:   creds,
		hostKey: hostKey,
		dialer:  NewDialer(conf, log),
		log:     log,
	}
}

// Name returns "ssh".
func (b *Backend) Name() string {
	return Name
}

// Open resolves the host's credential and connects to it.
func (b *Backend) Open(ctx context.Context, s *provider.Session) (provider.Conn, error) {
	cred, err := b.creds.Resolve(ctx, s.Host)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, provider.Fault(provider.InvalidRequest, err)
	}
	if err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	return b.Connect(ctx, s, s.Host.Dial(b.conf.Port), cred)
}

// Connect opens a connection for the session to addr with the given
// credential. The credential's user falls back to the host's login hint,
// then to the configured user.
func (b *Backend) Connect(ctx context.Context, s *provider.Session, addr string, cred *credential.Credential) (provider.Conn, error) {
	c := *cred
	if c.User == "" {
		c.User = s.Host.User
	}
	if c.User == "" {
		c.User = b.conf.User
	}

	conf, err := c.ClientConfig(b.hostKey)
	if err != nil {
		return nil, provider.Fault(provider.InvalidRequest, err)
	}

	client, err := b.dialer.Dial(ctx, addr, conf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}

	s.Log().Debug("ssh connection open", "address", addr, "user", c.User)
	s.Notify(ctx, events.NewResourceMapping(s.ID, s.Host.Key(), addr))

	return &conn{
		s:      s,
		job:    s.Job,
		addr:   addr,
		conf:   b.conf,
		logDir: filepath.Join(b.logDir, s.ID),
		client: client,
		log:    s.Log().WithFields("address", addr),
	}, nil
}

type conn struct {
	s      *provider.Session
	job    *job.Job
	addr   string
	conf   config.SSH
	logDir string
	client *ssh.Client
	log    *logger.Logger

	mu      sync.Mutex
	env     string
	running *ssh.Session
	closed  bool
	once    sync.Once
}

// Stage creates the job's directories with a single remote command.
func (c *conn) Stage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.MkdirTimeout.Or(30*time.Second))
	defer cancel()

	dirs := c.job.Dirs()
	for _, p := range []string{path.Dir(c.job.Stdout), path.Dir(c.job.Stderr)} {
		if !slices.Contains(dirs, p) {
			dirs = append(dirs, p)
		}
	}

	cmd := "mkdir -p " + shellquote.Join(dirs...)
	if _, err := c.exec(ctx, cmd); err != nil {
		return err
	}
	return nil
}

// ConfigureEnv builds the export prefix prepended to the job's command.
// sshd rejects most session variables, so the remote shell exports them.
// Keys were checked by job.Validate.
func (c *conn) ConfigureEnv(ctx context.Context, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellquote.Join(env[k]))
	}

	c.mu.Lock()
	c.env = b.String()
	c.mu.Unlock()
	return nil
}

func (c *conn) command() string {
	c.mu.Lock()
	env := c.env
	c.mu.Unlock()

	return fmt.Sprintf("%scd %s && %s >%s 2>%s",
		env,
		shellquote.Join(c.job.WorkDir),
		shellquote.Join(c.job.Command()...),
		shellquote.Join(c.job.Stdout),
		shellquote.Join(c.job.Stderr),
	)
}

// Run starts the job's command and waits for the remote shell to report
// its exit. A short readiness probe after submission only acknowledges
// that the command was accepted; expiry of the probe is not a failure.
func (c *conn) Run(ctx context.Context) (*provider.RunStatus, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	defer sess.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, provider.Faultf(provider.JobCancelled, "connection closed")
	}
	c.running = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = nil
		c.mu.Unlock()
	}()

	cmd := c.command()
	if err := sess.Start(cmd); err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	c.log.Debug("submitted remote command", "cmd", cmd)

	errc := make(chan error, 1)
	go func() {
		errc <- sess.Wait()
	}()

	probe := time.After(c.conf.ReadinessProbe.Or(5 * time.Second))
	for {
		select {
		case <-probe:
			probe = nil
			c.s.Info(ctx, "command accepted by %s, waiting for completion", c.addr)

		case werr := <-errc:
			return c.status(werr)

		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
			sess.Close()
			return nil, ctx.Err()
		}
	}
}

func (c *conn) status(err error) (*provider.RunStatus, error) {
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError

	switch {
	case err == nil:
		return &provider.RunStatus{Status: provider.Success}, nil

	case errors.As(err, &exitErr):
		code := exitErr.ExitStatus()
		if exitErr.Signal() != "" {
			code = -1
		}
		c.log.Warn("remote command exited with non-zero code",
			"exitCode", code, "signal", exitErr.Signal())
		return &provider.RunStatus{Status: provider.JobFailure, ExitCode: code}, nil

	case errors.As(err, &missing):
		return nil, provider.Faultf(provider.RemoteConnectionError,
			"remote command on %s ended without an exit status", c.addr)
	}
	return nil, provider.Fault(provider.RemoteConnectionError, err)
}

// Fetch copies the remote stdout/stderr into the session's log directory.
func (c *conn) Fetch(ctx context.Context) (*provider.Streams, error) {
	sc, err := storage.NewSFTPClient(c.client)
	if err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	defer sc.Close()

	stdout, err := fetch(ctx, sc, c.job.Stdout, filepath.Join(c.logDir, "stdout"))
	if err != nil {
		return nil, err
	}
	stderr, err := fetch(ctx, sc, c.job.Stderr, filepath.Join(c.logDir, "stderr"))
	if err != nil {
		return nil, err
	}
	return &provider.Streams{Stdout: stdout, Stderr: stderr}, nil
}

func fetch(ctx context.Context, sc *storage.SFTPClient, remote, local string) ([]byte, error) {
	b, err := sc.Fetch(ctx, remote, local)
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	return b, nil
}

// exec runs a short command and returns its stdout.
func (c *conn) exec(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- sess.Wait()
	}()

	select {
	case err := <-errc:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, provider.Faultf(provider.LocalError, "%s: %v: %s",
				cmd, err, strings.TrimSpace(stderr.String()))
		}
		if err != nil {
			return nil, provider.Fault(provider.RemoteConnectionError, err)
		}
		return stdout.Bytes(), nil

	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return nil, ctx.Err()
	}
}

// Cancel kills the running command, if any.
func (c *conn) Cancel() error {
	c.mu.Lock()
	sess := c.running
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.Signal(ssh.SIGKILL)
	err := sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close closes the connection, ending any remote command.
func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.Cancel()
		err = c.client.Close()
		c.log.Debug("ssh connection closed")
	})
	return err
}
