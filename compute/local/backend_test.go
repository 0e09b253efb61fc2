package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	log := logger.NewLogger("test", logger.DefaultConfig())
	log.Discard()
	return log
}

func newDriver() (*provider.Driver, *events.Recorder) {
	rec := &events.Recorder{}
	b := NewBackend(config.Local{}, testLogger())
	return provider.New(b, rec, testLogger()), rec
}

func newJob(t *testing.T, exe string, args ...string) *job.Job {
	j := job.Job{Executable: exe, Args: args}.WithDefaults(t.TempDir())
	return &j
}

var host = &job.Host{Address: "localhost"}

func TestEcho(t *testing.T) {
	d, rec := newDriver()
	defer d.Dispose()

	res, err := d.Execute(context.Background(), newJob(t, "echo", "hi"), host)
	require.NoError(t, err)
	assert.Equal(t, provider.Success, res.Status)
	assert.Equal(t, "hi\n", string(res.Stdout))
	assert.Equal(t, "hi\n", res.Outputs["stdout"])
	assert.Equal(t, []events.Type{events.Started, events.Finished}, rec.Types())
}

func TestStagesDirectories(t *testing.T) {
	d, _ := newDriver()
	defer d.Dispose()

	j := newJob(t, "true")
	_, err := d.Execute(context.Background(), j, host)
	require.NoError(t, err)

	for _, dir := range j.Dirs() {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestStageIdempotent(t *testing.T) {
	j := newJob(t, "true")
	c := &conn{job: j, log: testLogger()}
	require.NoError(t, c.Stage(context.Background()))
	require.NoError(t, c.Stage(context.Background()))
}

func TestStageOverFileFails(t *testing.T) {
	j := newJob(t, "true")
	require.NoError(t, os.MkdirAll(j.WorkDir, 0755))
	require.NoError(t, os.WriteFile(j.TempDir, []byte("x"), 0644))

	c := &conn{job: j, log: testLogger()}
	err := c.Stage(context.Background())
	assert.True(t, provider.IsKind(err, provider.LocalError))
}

func TestLargeOutputDoesNotDeadlock(t *testing.T) {
	d, _ := newDriver()
	defer d.Dispose()

	// 256KB on each stream, well over a pipe buffer.
	script := `head -c 262144 /dev/zero | tr '\0' 'a'; head -c 262144 /dev/zero | tr '\0' 'b' >&2`
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := d.Execute(ctx, newJob(t, "sh", "-c", script), host)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 262144)
	assert.Len(t, res.Stderr, 262144)
	assert.Equal(t, strings.Repeat("a", 262144), string(res.Stdout))
}

func TestEnvironmentHasFixedKeys(t *testing.T) {
	d, _ := newDriver()
	defer d.Dispose()

	j := newJob(t, "sh", "-c", `echo "$inputData"; echo "$outputData"; echo "$GREETING"`)
	j.Env = map[string]string{"GREETING": "hello", job.EnvInputDir: "ignored"}

	res, err := d.Execute(context.Background(), j, host)
	require.NoError(t, err)
	assert.Equal(t, j.InputDir+"\n"+j.OutputDir+"\nhello\n", string(res.Stdout))
}

func TestRunsInWorkDir(t *testing.T) {
	d, _ := newDriver()
	defer d.Dispose()

	j := newJob(t, "pwd")
	res, err := d.Execute(context.Background(), j, host)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(j.WorkDir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNonZeroExitIsJobFailure(t *testing.T) {
	d, rec := newDriver()
	defer d.Dispose()

	res, err := d.Execute(context.Background(), newJob(t, "sh", "-c", "echo oops >&2; exit 3"), host)
	require.NoError(t, err)
	assert.Equal(t, provider.JobFailure, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.Equal(t, []events.Type{events.Started, events.Finished}, rec.Types())
}

func TestMissingExecutable(t *testing.T) {
	d, _ := newDriver()
	defer d.Dispose()

	_, err := d.Execute(context.Background(), newJob(t, "gfac-no-such-binary"), host)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.InvalidRequest))
	assert.Equal(t, provider.PhaseRun, provider.PhaseOf(err))
}

func TestAbortKillsProcess(t *testing.T) {
	d, _ := newDriver()
	j := newJob(t, "sleep", "30")

	type out struct {
		res *provider.Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := d.Execute(context.Background(), j, host)
		done <- out{res, err}
	}()

	require.Eventually(t, func() bool {
		s := d.Session()
		return s != nil && s.State() == provider.Running
	}, 5*time.Second, 10*time.Millisecond)
	// Give the process a moment to start after the state change.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	d.Abort()

	select {
	case o := <-done:
		require.Error(t, o.err)
		assert.True(t, provider.IsKind(o.err, provider.JobCancelled))
		assert.Equal(t, provider.JobCancellation, o.res.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after abort")
	}
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, provider.Cancelled, d.Session().State())
}

func TestContextCancelKillsProcess(t *testing.T) {
	d, _ := newDriver()
	defer d.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, newJob(t, "sleep", "30"), host)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.Timeout))
}

func TestCleanExitBeforeCancel(t *testing.T) {
	// the background child holds the pipes open after sh exits 0
	j := newJob(t, "sh", "-c", "(sleep 30) & exit 0")
	c := &conn{job: j, log: testLogger(), tailSize: 64}
	require.NoError(t, c.Stage(context.Background()))
	require.NoError(t, c.ConfigureEnv(context.Background(), j.Environ()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	st, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, provider.Success, st.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NoError(t, c.Close())
}

func TestAbortBeforeInitialize(t *testing.T) {
	d, _ := newDriver()
	d.Abort()
	d.Dispose()

	_, err := d.Execute(context.Background(), newJob(t, "echo", "hi"), host)
	assert.True(t, provider.IsKind(err, provider.JobCancelled))
}

func TestPartialOutputOnFailure(t *testing.T) {
	j := newJob(t, "sh", "-c", "echo partial")
	c := &conn{job: j, log: testLogger(), tailSize: 64}
	ctx := context.Background()
	require.NoError(t, c.Stage(ctx))
	require.NoError(t, c.ConfigureEnv(ctx, j.Environ()))

	st, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, provider.Success, st.Status)
	assert.Equal(t, "partial\n", string(c.Partial().Stdout))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
