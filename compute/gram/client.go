package gram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/util"
	"github.com/ohsu-comp-bio/gfac/util/fsutil"
)

// State is the state of a batch job as reported by the gatekeeper.
type State string

// Batch job states.
const (
	Pending State = "PENDING"
	Active  State = "ACTIVE"
	Done    State = "DONE"
	Failed  State = "FAILED"
)

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// JobStatus is a batch job's state and vendor error code.
type JobStatus struct {
	State State
	Code  int
}

// Client submits job descriptions to a batch gatekeeper.
type Client interface {
	// Submit submits the job and returns the backend job identifier.
	// proxy is the delegated credential authenticating the job to the
	// gatekeeper, if any.
	Submit(ctx context.Context, name string, rsl *RSL, j *job.Job, proxy []byte) (string, error)
	// Await blocks until the job reaches a terminal state or ctx is done.
	Await(ctx context.Context, id string) (*JobStatus, error)
	// Cancel cancels the job, best effort.
	Cancel(ctx context.Context, id string) error
}

// ErrSubmit marks failures to hand a job to the gatekeeper.
var ErrSubmit = errors.New("submission failed")

// CommandClient drives a batch scheduler through its command line tools,
// e.g. "qsub", "qstat" and "qdel". The job is rendered into a script
// from a template and passed to the submit command.
//
// The status command is called with the job ID and must print one line,
// "STATE [code]", where STATE is one of PENDING, ACTIVE, DONE or FAILED.
//
// A delegated credential is written next to the script and exported to
// every command run for the job as X509_USER_PROXY.
type CommandClient struct {
	SubmitCmd []string
	StatusCmd []string
	CancelCmd []string
	ScriptDir string
	Template  *template.Template
	// Poll interval bounds for Await.
	PollInitial time.Duration
	PollMax     time.Duration
	Log         *logger.Logger

	mu      sync.Mutex
	proxies map[string]string
}

// NewCommandClient returns a CommandClient configured from conf.
func NewCommandClient(conf config.Gram, log *logger.Logger) (*CommandClient, error) {
	c := &CommandClient{
		ScriptDir:   conf.ScriptDir,
		PollInitial: conf.PollInitial.Or(time.Second),
		PollMax:     conf.PollMax.Or(time.Minute),
		Log:         log,
	}

	for _, f := range []struct {
		dst  *[]string
		name string
		cmd  string
	}{
		{&c.SubmitCmd, "submit", conf.SubmitCmd},
		{&c.StatusCmd, "status", conf.StatusCmd},
		{&c.CancelCmd, "cancel", conf.CancelCmd},
	} {
		argv, err := shellquote.Split(f.cmd)
		if err != nil {
			return nil, fmt.Errorf("parsing %s command: %w", f.name, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%s command is empty", f.name)
		}
		*f.dst = argv
	}

	tpl, err := template.New("gram").Funcs(template.FuncMap{
		"quote": func(s string) string { return shellquote.Join(s) },
	}).Parse(conf.Template)
	if err != nil {
		return nil, fmt.Errorf("parsing job template: %w", err)
	}
	c.Template = tpl
	return c, nil
}

// Submit renders the job script and runs the submit command on it.
// The last non-empty line the command prints is the job ID.
func (c *CommandClient) Submit(ctx context.Context, name string, rsl *RSL, j *job.Job, proxy []byte) (string, error) {
	if err := fsutil.EnsureDir(c.ScriptDir); err != nil {
		return "", err
	}

	var proxyPath string
	if len(proxy) > 0 {
		proxyPath = filepath.Join(c.ScriptDir, name+".proxy")
		if err := os.WriteFile(proxyPath, proxy, 0600); err != nil {
			return "", fmt.Errorf("writing proxy credential: %w", err)
		}
	}

	script, err := c.render(name, rsl, j, proxyPath)
	if err != nil {
		return "", err
	}

	out, err := c.run(ctx, c.SubmitCmd, script, proxyPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}

	id := lastLine(out)
	if id == "" {
		return "", fmt.Errorf("%w: submit command printed no job ID", ErrSubmit)
	}
	if proxyPath != "" {
		c.mu.Lock()
		if c.proxies == nil {
			c.proxies = map[string]string{}
		}
		c.proxies[id] = proxyPath
		c.mu.Unlock()
	}
	c.Log.Debug("submitted batch job", "id", id, "script", script)
	return id, nil
}

func (c *CommandClient) proxy(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxies[id]
}

func (c *CommandClient) render(name string, rsl *RSL, j *job.Job, proxyPath string) (string, error) {
	path := filepath.Join(c.ScriptDir, name+".submit")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var env []string
	for _, kv := range rsl.Environment() {
		env = append(env, "export "+kv[0]+"="+shellquote.Join(kv[1]))
	}

	err = c.Template.Execute(f, map[string]interface{}{
		"JobName":     name,
		"Rsl":         rsl.Attrs(),
		"Executable":  j.Executable,
		"Arguments":   shellquote.Join(j.Args...),
		"Directory":   j.WorkDir,
		"Stdout":      j.Stdout,
		"Stderr":      j.Stderr,
		"Environment": env,
		"Proxy":       proxyPath,
	})
	if err != nil {
		return "", fmt.Errorf("rendering job script: %w", err)
	}
	if err := f.Chmod(0755); err != nil {
		return "", err
	}
	return path, f.Close()
}

var errNotDone = errors.New("job not done")

// Await polls the status command with exponential backoff until the job
// reaches a terminal state. A failing status command ends the wait.
func (c *CommandClient) Await(ctx context.Context, id string) (*JobStatus, error) {
	// batch jobs may wait in the queue for days
	r := util.PollRetrier(c.PollInitial, c.PollMax)
	r.ShouldRetry = func(err error) bool {
		return errors.Is(err, errNotDone)
	}

	proxyPath := c.proxy(id)
	var st *JobStatus
	err := r.Retry(ctx, func() error {
		out, err := c.run(ctx, c.StatusCmd, id, proxyPath)
		if err != nil {
			return err
		}
		st, err = ParseStatus(out)
		if err != nil {
			return err
		}
		if !st.State.Terminal() {
			return errNotDone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Cancel runs the cancel command.
func (c *CommandClient) Cancel(ctx context.Context, id string) error {
	_, err := c.run(ctx, c.CancelCmd, id, c.proxy(id))
	return err
}

func (c *CommandClient) run(ctx context.Context, argv []string, arg, proxyPath string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], arg)...)
	if proxyPath != "" {
		cmd.Env = append(os.Environ(), "X509_USER_PROXY="+proxyPath)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %v: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ParseStatus parses "STATE [code]".
func ParseStatus(s string) (*JobStatus, error) {
	fields := strings.Fields(lastLine(s))
	if len(fields) == 0 || len(fields) > 2 {
		return nil, fmt.Errorf("malformed job status %q", s)
	}

	st := &JobStatus{State: State(strings.ToUpper(fields[0]))}
	switch st.State {
	case Pending, Active, Done, Failed:
	default:
		return nil, fmt.Errorf("unknown job state %q", fields[0])
	}

	if len(fields) == 2 {
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed job status code %q", fields[1])
		}
		st.Code = code
	}
	return st, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
