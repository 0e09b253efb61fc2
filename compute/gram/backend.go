// Package gram runs jobs on grid resources through a batch gatekeeper.
// Jobs are described in RSL, submitted through a Client, and awaited until
// the gatekeeper reports a terminal state. Files move over SFTP to the
// host's file transfer endpoint.
package gram

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ohsu-comp-bio/gfac/compute/ssh"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/credential"
	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/storage"
	gossh "golang.org/x/crypto/ssh"
)

// Name of the backend.
const Name = "gram"

// cleanupTimeout bounds the best-effort cancel issued after every run.
const cleanupTimeout = 30 * time.Second

// Backend represents the grid resource backend.
type Backend struct {
	conf   config.Gram
	logDir string
	client Client
	creds   credential.Resolver
	hostKey gossh.HostKeyCallback
	dialer  *ssh.Dialer
	log     *logger.Logger
}

// NewBackend returns a new gram Backend which submits through client.
// The file transfer endpoint's host key is checked with hostKey.
func NewBackend(conf config.Gram, logDir string, client Client, creds credential.Resolver, hostKey gossh.HostKeyCallback, dialer *ssh.Dialer, log *logger.Logger) *Backend {
	if conf.CancelCodes == nil {
		conf.CancelCodes = map[int]bool{8: true}
	}
	if conf.TransferPort == 0 {
		conf.TransferPort = 22
	}
	return &Backend{
		conf:    conf,
		logDir:  logDir,
		client:  client,
		creds:   creds,
		hostKey: hostKey,
		dialer:  dialer,
		log:     log,
	}
}

// Name returns "gram".
func (b *Backend) Name() string {
	return Name
}

// Open connects to the host's file transfer endpoint.
func (b *Backend) Open(ctx context.Context, s *provider.Session) (provider.Conn, error) {
	h := s.Host
	if h.Gatekeeper == "" {
		return nil, provider.Faultf(provider.InvalidRequest, "host %s has no gatekeeper", h.Key())
	}

	cred, err := b.creds.Resolve(ctx, h)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, provider.Fault(provider.InvalidRequest, err)
	}
	if err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	c := *cred
	if c.User == "" {
		c.User = b.conf.TransferUser
	}
	conf, err := c.ClientConfig(b.hostKey)
	if err != nil {
		return nil, provider.Fault(provider.InvalidRequest, err)
	}

	addr := h.FileTransfer
	if addr == "" {
		addr = h.Dial(b.conf.TransferPort)
	}
	client, err := b.dialer.Dial(ctx, addr, conf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	sc, err := storage.NewSFTPClient(client)
	if err != nil {
		client.Close()
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}

	return &conn{
		s:        s,
		job:      s.Job,
		client:   b.client,
		sftp:     sc,
		close:    client.Close,
		cancelOn: b.conf.CancelCodes,
		proxy:    cred.Proxy,
		logDir:   filepath.Join(b.logDir, s.ID),
		log:      s.Log().WithFields("gatekeeper", h.Gatekeeper),
	}, nil
}

type conn struct {
	s        *provider.Session
	job      *job.Job
	client   Client
	sftp     *storage.SFTPClient
	close    func() error
	cancelOn map[int]bool
	proxy    []byte
	logDir   string
	log      *logger.Logger

	mu    sync.Mutex
	env   map[string]string
	jobID string
	once  sync.Once
}

func (c *conn) Stage(ctx context.Context) error {
	dirs := c.job.Dirs()
	for _, p := range []string{path.Dir(c.job.Stdout), path.Dir(c.job.Stderr)} {
		if !slices.Contains(dirs, p) {
			dirs = append(dirs, p)
		}
	}
	if err := c.sftp.MkdirAll(dirs...); err != nil {
		return provider.Fault(provider.LocalError, err)
	}
	return nil
}

func (c *conn) ConfigureEnv(ctx context.Context, env map[string]string) error {
	c.mu.Lock()
	c.env = env
	c.mu.Unlock()
	return nil
}

// Run submits the job and blocks until the gatekeeper reports a terminal
// state. The job is always cancelled afterwards, best effort.
func (c *conn) Run(ctx context.Context) (*provider.RunStatus, error) {
	c.mu.Lock()
	rsl := NewRSL(c.job, c.env)
	c.mu.Unlock()

	id, err := c.client.Submit(ctx, c.s.ID, rsl, c.job, c.proxy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	c.mu.Lock()
	c.jobID = id
	c.mu.Unlock()
	defer c.cancelJob(id)

	c.log.Info("submitted job", "jobID", id, "rsl", rsl.String())
	c.s.Notify(ctx, events.NewApplicationInfo(c.s.ID, id, c.s.Host.Gatekeeper))

	st, err := c.client.Await(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}

	switch {
	case st.State == Done && st.Code == 0:
		return &provider.RunStatus{Status: provider.Success}, nil
	case st.State == Done:
		c.log.Warn("job finished with non-zero code", "jobID", id, "code", st.Code)
		return &provider.RunStatus{Status: provider.JobFailure, ExitCode: st.Code}, nil
	case c.cancelOn[st.Code]:
		return nil, provider.Faultf(provider.JobCancelled, "job %s was cancelled (code %d)", id, st.Code)
	default:
		return nil, provider.Faultf(provider.JobFailed, "job %s failed (code %d)", id, st.Code)
	}
}

func (c *conn) cancelJob(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.client.Cancel(ctx, id); err != nil {
		c.log.Debug("cleanup cancel of batch job", "jobID", id, "error", err)
	}
}

// Fetch copies the remote stdout/stderr into the session's log directory.
func (c *conn) Fetch(ctx context.Context) (*provider.Streams, error) {
	out := &provider.Streams{}
	for _, f := range []struct {
		remote string
		dst    *[]byte
		name   string
	}{
		{c.job.Stdout, &out.Stdout, "stdout"},
		{c.job.Stderr, &out.Stderr, "stderr"},
	} {
		b, err := c.sftp.Fetch(ctx, f.remote, filepath.Join(c.logDir, f.name))
		if err != nil {
			return nil, provider.Fault(provider.LocalError, err)
		}
		*f.dst = b
	}
	return out, nil
}

// Cancel cancels the submitted job, if any.
func (c *conn) Cancel() error {
	c.mu.Lock()
	id := c.jobID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.client.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancelling job %s: %w", id, err)
	}
	return nil
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.sftp.Close()
		if cerr := c.close(); err == nil {
			err = cerr
		}
	})
	return err
}
