package gram

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ohsu-comp-bio/gfac/compute/ssh"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/credential"
	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/util/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func testLogger() *logger.Logger {
	log := logger.NewLogger("test", logger.DefaultConfig())
	log.Discard()
	return log
}

// fakeClient "runs" the job by writing its stdout target directly, which
// the sftp test server sees since it serves the local filesystem.
type fakeClient struct {
	mu        sync.Mutex
	status    *JobStatus
	block     bool
	submitted []*RSL
	proxies   [][]byte
	cancelled []string
}

func (f *fakeClient) Submit(ctx context.Context, name string, rsl *RSL, j *job.Job, proxy []byte) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, rsl)
	f.proxies = append(f.proxies, proxy)
	f.mu.Unlock()
	if err := os.WriteFile(j.Stdout, []byte("out\n"), 0644); err != nil {
		return "", err
	}
	if err := os.WriteFile(j.Stderr, nil, 0644); err != nil {
		return "", err
	}
	return "job-1", nil
}

func (f *fakeClient) Await(ctx context.Context, id string) (*JobStatus, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.status, nil
}

func (f *fakeClient) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeClient) getCancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fixture struct {
	srv     *sshtest.Server
	host    *job.Host
	creds   credential.Resolver
	hostKey gossh.HostKeyCallback
	ssh     *ssh.Dialer
}

func newFixture(t *testing.T) *fixture {
	srv := sshtest.NewServer(t)
	return &fixture{
		srv: srv,
		host: &job.Host{
			Name:         "grid",
			Address:      "127.0.0.1",
			Gatekeeper:   "gk.example.org/jobmanager-pbs",
			FileTransfer: srv.Addr,
		},
		creds: credential.Static{User: sshtest.User, PrivateKey: srv.ClientKey},
		ssh:   ssh.NewDialer(config.SSH{}, testLogger()),
	}
}

func (f *fixture) backend(t *testing.T, conf config.Gram, client Client) *Backend {
	return NewBackend(conf, t.TempDir(), client, f.creds, f.hostKey, f.ssh, testLogger())
}

func newJob(t *testing.T, exe string, args ...string) *job.Job {
	j := job.Job{Executable: exe, Args: args}.WithDefaults(t.TempDir())
	return &j
}

func TestExecuteDone(t *testing.T) {
	f := newFixture(t)
	client := &fakeClient{status: &JobStatus{State: Done}}
	rec := &events.Recorder{}
	d := provider.New(f.backend(t, config.Gram{}, client), rec, testLogger())
	defer d.Dispose()

	j := newJob(t, "echo", "hi")
	j.Env = map[string]string{"K": "V"}
	res, err := d.Execute(context.Background(), j, f.host)
	require.NoError(t, err)
	assert.Equal(t, provider.Success, res.Status)
	assert.Equal(t, "out\n", string(res.Stdout))

	for _, dir := range j.Dirs() {
		_, err := os.Stat(dir)
		assert.NoError(t, err)
	}

	require.Len(t, client.submitted, 1)
	rsl := client.submitted[0].String()
	assert.Contains(t, rsl, `("K" "V")`)
	assert.Contains(t, rsl, `("inputData" "`+j.InputDir+`")`)
	assert.Contains(t, rsl, `("outputData" "`+j.OutputDir+`")`)

	// the job handle is always cancelled afterwards
	assert.Equal(t, []string{"job-1"}, client.getCancelled())

	var info *events.Event
	for _, ev := range rec.Events() {
		if ev.Type == events.ApplicationInfo {
			info = ev
		}
	}
	require.NotNil(t, info)
	assert.Equal(t, "job-1", info.JobID)
	assert.Equal(t, f.host.Gatekeeper, info.Endpoint)
}

func TestFailureCodes(t *testing.T) {
	tests := []struct {
		name  string
		codes map[int]bool
		code  int
		kind  provider.FaultKind
	}{
		{"default cancel code", nil, 8, provider.JobCancelled},
		{"other code fails", nil, 3, provider.JobFailed},
		{"overridden table", map[int]bool{3: true}, 3, provider.JobCancelled},
		{"overridden table drops default", map[int]bool{3: true}, 8, provider.JobFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			client := &fakeClient{status: &JobStatus{State: Failed, Code: tc.code}}
			d := provider.New(f.backend(t, config.Gram{CancelCodes: tc.codes}, client), nil, testLogger())
			defer d.Dispose()

			_, err := d.Execute(context.Background(), newJob(t, "true"), f.host)
			require.Error(t, err)
			assert.True(t, provider.IsKind(err, tc.kind), err.Error())
			assert.Equal(t, provider.PhaseRun, provider.PhaseOf(err))
			assert.Equal(t, []string{"job-1"}, client.getCancelled())
		})
	}
}

func knownHostsFile(t *testing.T, lines ...string) string {
	p := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0600))
	return p
}

func TestUnknownHostKeyRefused(t *testing.T) {
	f := newFixture(t)
	conf := config.SSH{KnownHostsFile: knownHostsFile(t)}
	hostKey, err := ssh.HostKeyCallback(conf, testLogger())
	require.NoError(t, err)
	f.hostKey = hostKey

	client := &fakeClient{status: &JobStatus{State: Done}}
	d := provider.New(f.backend(t, config.Gram{}, client), nil, testLogger())
	defer d.Dispose()

	err = d.Initialize(context.Background(), newJob(t, "true"), f.host)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.RemoteConnectionError), err.Error())
	assert.Empty(t, client.submitted)
}

func TestKnownHostKeyAccepted(t *testing.T) {
	f := newFixture(t)
	conf := config.SSH{KnownHostsFile: knownHostsFile(t, knownhosts.Line([]string{f.srv.Addr}, f.srv.HostKey))}
	hostKey, err := ssh.HostKeyCallback(conf, testLogger())
	require.NoError(t, err)
	f.hostKey = hostKey

	d := provider.New(f.backend(t, config.Gram{}, &fakeClient{status: &JobStatus{State: Done}}), nil, testLogger())
	defer d.Dispose()

	res, err := d.Execute(context.Background(), newJob(t, "true"), f.host)
	require.NoError(t, err)
	assert.Equal(t, provider.Success, res.Status)
}

func TestMissingGatekeeper(t *testing.T) {
	f := newFixture(t)
	f.host.Gatekeeper = ""
	d := provider.New(f.backend(t, config.Gram{}, &fakeClient{}), nil, testLogger())
	err := d.Initialize(context.Background(), newJob(t, "true"), f.host)
	assert.True(t, provider.IsKind(err, provider.InvalidRequest))
}

func TestInvalidEnvKeyNeverSubmitted(t *testing.T) {
	f := newFixture(t)
	bin := t.TempDir()
	marker := filepath.Join(bin, "marker")

	conf := config.DefaultConfig().Backends.Gram
	conf.SubmitCmd = writeScript(t, bin, "qsub", `sh "$1"; echo 1`+"\n")
	conf.StatusCmd = writeScript(t, bin, "qstat", "echo DONE 0\n")
	conf.CancelCmd = "true"
	conf.ScriptDir = t.TempDir()
	client, err := NewCommandClient(conf, testLogger())
	require.NoError(t, err)

	d := provider.New(f.backend(t, conf, client), nil, testLogger())
	defer d.Dispose()

	j := newJob(t, "true")
	j.Env = map[string]string{"X=1; touch " + marker + "; Y": "v"}
	_, err = d.Execute(context.Background(), j, f.host)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.InvalidRequest))

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "the key was never rendered into a script")
	scripts, err := os.ReadDir(conf.ScriptDir)
	require.NoError(t, err)
	assert.Empty(t, scripts)
}

func TestAbortWhileAwaiting(t *testing.T) {
	f := newFixture(t)
	client := &fakeClient{block: true}
	d := provider.New(f.backend(t, config.Gram{}, client), nil, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), newJob(t, "true"), f.host)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return d.Session() != nil && d.Session().State() == provider.Running
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	d.Abort()

	select {
	case err := <-done:
		assert.True(t, provider.IsKind(err, provider.JobCancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after abort")
	}
	assert.Contains(t, client.getCancelled(), "job-1")
}

func writeScript(t *testing.T, dir, name, body string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755))
	return p
}

func TestCommandClient(t *testing.T) {
	f := newFixture(t)
	bin := t.TempDir()

	// qsub runs the script in the foreground, then prints the job ID
	// after some chatter.
	qsub := writeScript(t, bin, "qsub", `sh "$1" >/dev/null 2>&1
echo "job submitted"
echo "42.head"
`)
	qstat := writeScript(t, bin, "qstat", `n=$(cat `+bin+`/count 2>/dev/null || echo 0)
n=$((n+1))
echo $n > `+bin+`/count
if [ $n -lt 2 ]; then echo PENDING; else echo "DONE 0"; fi
`)
	qdel := writeScript(t, bin, "qdel", `echo "$@" >> `+bin+`/cancelled
`)

	conf := config.DefaultConfig().Backends.Gram
	conf.SubmitCmd = qsub
	conf.StatusCmd = qstat
	conf.CancelCmd = qdel + " -W force"
	conf.ScriptDir = t.TempDir()
	conf.PollInitial = config.Duration(10 * time.Millisecond)
	conf.PollMax = config.Duration(50 * time.Millisecond)

	client, err := NewCommandClient(conf, testLogger())
	require.NoError(t, err)

	d := provider.New(f.backend(t, conf, client), nil, testLogger())
	defer d.Dispose()

	j := newJob(t, "sh", "-c", `echo "$inputData"; echo "$GREETING"`)
	j.Env = map[string]string{"GREETING": "hello world"}

	res, err := d.Execute(context.Background(), j, f.host)
	require.NoError(t, err)
	assert.Equal(t, provider.Success, res.Status)
	assert.Equal(t, j.InputDir+"\nhello world\n", string(res.Stdout))

	b, err := os.ReadFile(filepath.Join(bin, "cancelled"))
	require.NoError(t, err)
	assert.Equal(t, "-W force 42.head\n", string(b))

	script, err := os.ReadFile(filepath.Join(conf.ScriptDir, res.SessionID+".submit"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(script), "#!/bin/sh\n#PBS -N "+res.SessionID))
}

func TestProxyHandedToClient(t *testing.T) {
	f := newFixture(t)
	f.creds = credential.Static{User: sshtest.User, PrivateKey: f.srv.ClientKey, Proxy: []byte("proxy-pem")}
	client := &fakeClient{status: &JobStatus{State: Done}}
	d := provider.New(f.backend(t, config.Gram{}, client), nil, testLogger())
	defer d.Dispose()

	_, err := d.Execute(context.Background(), newJob(t, "true"), f.host)
	require.NoError(t, err)
	require.Len(t, client.proxies, 1)
	assert.Equal(t, "proxy-pem", string(client.proxies[0]))
}

func TestCommandClientProxy(t *testing.T) {
	bin := t.TempDir()
	conf := config.DefaultConfig().Backends.Gram
	conf.SubmitCmd = writeScript(t, bin, "qsub", `cat "$X509_USER_PROXY" > `+bin+`/submit-proxy
echo 7
`)
	conf.StatusCmd = writeScript(t, bin, "qstat", `cat "$X509_USER_PROXY" > `+bin+`/status-proxy
echo DONE 0
`)
	conf.CancelCmd = "true"
	conf.ScriptDir = t.TempDir()
	conf.PollInitial = config.Duration(10 * time.Millisecond)

	client, err := NewCommandClient(conf, testLogger())
	require.NoError(t, err)

	j := newJob(t, "true")
	id, err := client.Submit(context.Background(), "s1", NewRSL(j, j.Environ()), j, []byte("proxy-pem"))
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	st, err := client.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Done, st.State)

	for _, name := range []string{"submit-proxy", "status-proxy"} {
		b, err := os.ReadFile(filepath.Join(bin, name))
		require.NoError(t, err)
		assert.Equal(t, "proxy-pem", string(b), name)
	}

	info, err := os.Stat(filepath.Join(conf.ScriptDir, "s1.proxy"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCommandClientStatusFailure(t *testing.T) {
	bin := t.TempDir()
	conf := config.DefaultConfig().Backends.Gram
	conf.SubmitCmd = writeScript(t, bin, "qsub", "echo 1\n")
	conf.StatusCmd = writeScript(t, bin, "qstat", "echo nope >&2; exit 1\n")
	conf.CancelCmd = "true"
	conf.ScriptDir = t.TempDir()

	client, err := NewCommandClient(conf, testLogger())
	require.NoError(t, err)

	_, err = client.Await(context.Background(), "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestNewCommandClientErrors(t *testing.T) {
	conf := config.DefaultConfig().Backends.Gram
	conf.SubmitCmd = ""
	_, err := NewCommandClient(conf, testLogger())
	assert.Error(t, err)

	conf = config.DefaultConfig().Backends.Gram
	conf.Template = "{{.Broken"
	_, err = NewCommandClient(conf, testLogger())
	assert.Error(t, err)
}
