package run

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ghodss/yaml"
	"github.com/ohsu-comp-bio/gfac/cmd/util"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigFile(t *testing.T) (string, string) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.WorkDir = t.TempDir()
	conf.Logger.Level = "error"
	p, cleanup, err := util.TempConfigFile(conf, "gfac.yaml")
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return p, conf.WorkDir
}

func execute(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	cmd := NewCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()

	res := map[string]interface{}{}
	if out.Len() > 0 {
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &res))
	}
	return res, err
}

func TestRunLocal(t *testing.T) {
	conf, workDir := testConfigFile(t)
	metricsFile := filepath.Join(t.TempDir(), "gfac.prom")

	res, err := execute(t,
		"-c", conf,
		"--name", "answer",
		"-e", "GREETING=hello",
		"-o", "answer:Integer",
		"-o", "log:Stdout",
		"--metrics-file", metricsFile,
		"--", "sh", "-c", `echo "$GREETING"; echo answer=42`,
	)
	require.NoError(t, err)

	assert.Equal(t, "local", res["backend"])
	assert.Equal(t, "success", res["status"])
	assert.NotEmpty(t, res["sessionID"])
	outputs := res["outputs"].(map[string]interface{})
	assert.Equal(t, "42", outputs["answer"])
	assert.Equal(t, "hello\nanswer=42\n", outputs["log"])

	// the job ran under <workdir>/<name>
	b, err := os.ReadFile(filepath.Join(workDir, "answer", "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nanswer=42\n", string(b))

	m, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(m), "gfac_executions_total")
}

func TestRunFailure(t *testing.T) {
	conf, _ := testConfigFile(t)

	res, err := execute(t, "-c", conf, "-q", "--", "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Equal(t, "failed", res["status"])
	assert.EqualValues(t, 3, res["exitCode"])
	assert.Nil(t, res["stderr"], "quiet leaves the streams out")
}

func TestRunUnknownBackend(t *testing.T) {
	conf, _ := testConfigFile(t)

	_, err := execute(t, "-c", conf, "--backend", "condor", "--", "true")
	assert.Error(t, err)
}

func TestRunRequiresCommand(t *testing.T) {
	conf, _ := testConfigFile(t)

	_, err := execute(t, "-c", conf)
	assert.Error(t, err)
}

func TestToJob(t *testing.T) {
	v := flagVals{
		workdir: "/scratch/run1",
		stdout:  "/scratch/run1/out.txt",
		environ: []string{"A=1", "B=x=y"},
		outputs: []string{"count:Integer", "raw"},
		host:    "cluster1",
		user:    "alice",
	}
	j, h, err := v.toJob([]string{"/opt/bin/sim", "-n", "3"}, "/unused")
	require.NoError(t, err)

	assert.Equal(t, "sim", j.Name)
	assert.Equal(t, "/opt/bin/sim", j.Executable)
	assert.Equal(t, []string{"-n", "3"}, j.Args)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, j.Env)
	assert.Equal(t, "/scratch/run1", j.WorkDir)
	assert.Equal(t, "/scratch/run1/tmp", j.TempDir)
	assert.Equal(t, "/scratch/run1/out.txt", j.Stdout)
	assert.Equal(t, "/scratch/run1/stderr", j.Stderr)
	assert.Equal(t, []job.OutputParam{
		{Name: "count", Type: job.Integer},
		{Name: "raw", Type: job.String},
	}, j.Outputs)
	assert.Equal(t, "cluster1", h.Name)
	assert.Equal(t, "alice", h.User)
	assert.NoError(t, j.Validate())
}

func TestToJobDefaults(t *testing.T) {
	v := flagVals{}
	j, h, err := v.toJob([]string{"true"}, "/tmp/gfac/true")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gfac/true", j.WorkDir)
	assert.Equal(t, "localhost", h.Name)

	_, _, err = (&flagVals{environ: []string{"NOVALUE"}}).toJob([]string{"true"}, "/tmp")
	assert.Error(t, err)
}
