package run

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/spf13/pflag"
)

// flagVals captures values from CLI flag parsing
type flagVals struct {
	name      string
	workdir   string
	tmpdir    string
	inputdir  string
	outputdir string
	stdout    string
	stderr    string
	environ   []string
	outputs   []string

	host         string
	address      string
	endpoint     string
	gatekeeper   string
	fileTransfer string
	user         string

	metricsFile string
	quiet       bool
}

func newFlags(v *flagVals) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	// job
	f.StringVarP(&v.name, "name", "n", v.name, "Application name")
	f.StringVarP(&v.workdir, "workdir", "w", v.workdir, "Working directory of the job")
	f.StringVar(&v.tmpdir, "tmpdir", v.tmpdir, "Temp directory. Defaults to <workdir>/tmp")
	f.StringVar(&v.inputdir, "inputdir", v.inputdir, "Input directory. Defaults to <workdir>/inputs")
	f.StringVar(&v.outputdir, "outputdir", v.outputdir, "Output directory. Defaults to <workdir>/outputs")
	f.StringVar(&v.stdout, "stdout", v.stdout, "Path the job's stdout is written to. Defaults to <workdir>/stdout")
	f.StringVar(&v.stderr, "stderr", v.stderr, "Path the job's stderr is written to. Defaults to <workdir>/stderr")
	f.StringArrayVarP(&v.environ, "env", "e", v.environ, "Environment variable, as KEY=VALUE. This flag can be used multiple times")
	f.StringArrayVarP(&v.outputs, "output", "o", v.outputs, "Declared output, as NAME[:TYPE]. TYPE is one of String, Integer, Float, Stdout, Stderr")

	// host
	f.StringVar(&v.host, "host", v.host, "Logical host name, used to find credentials")
	f.StringVar(&v.address, "address", v.address, "Network address of the host")
	f.StringVar(&v.endpoint, "endpoint", v.endpoint, "Connection endpoint, as host:port")
	f.StringVar(&v.gatekeeper, "gatekeeper", v.gatekeeper, "Batch submission contact of a grid resource")
	f.StringVar(&v.fileTransfer, "file-transfer", v.fileTransfer, "File transfer endpoint of a grid resource, as host:port")
	f.StringVar(&v.user, "user", v.user, "Login on the host")

	// output
	f.StringVar(&v.metricsFile, "metrics-file", v.metricsFile, "Write Prometheus metrics to this file after the run")
	f.BoolVarP(&v.quiet, "quiet", "q", v.quiet, "Leave stdout and stderr out of the printed result")

	return f
}

// toJob builds the job and host descriptors from the flag values and the
// command line. base is the work dir used when --workdir isn't set.
func (v *flagVals) toJob(command []string, base string) (*job.Job, *job.Host, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, nil, fmt.Errorf("no command given")
	}

	env := map[string]string{}
	for _, kv := range v.environ {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, nil, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", kv)
		}
		env[k] = val
	}

	var outputs []job.OutputParam
	for _, o := range v.outputs {
		name, typ, ok := strings.Cut(o, ":")
		p := job.OutputParam{Name: name, Type: job.String}
		if ok {
			p.Type = job.ParamType(typ)
		}
		outputs = append(outputs, p)
	}

	name := v.name
	if name == "" {
		name = filepath.Base(command[0])
	}

	j := job.Job{
		Name:       name,
		Executable: command[0],
		Args:       command[1:],
		Env:        env,
		WorkDir:    v.workdir,
		TempDir:    v.tmpdir,
		InputDir:   v.inputdir,
		OutputDir:  v.outputdir,
		Stdout:     v.stdout,
		Stderr:     v.stderr,
		Outputs:    outputs,
	}.WithDefaults(base)

	h := &job.Host{
		Name:         v.host,
		Address:      v.address,
		Endpoint:     v.endpoint,
		Gatekeeper:   v.gatekeeper,
		FileTransfer: v.fileTransfer,
		User:         v.user,
	}
	if err := h.Validate(); err != nil {
		h.Name = "localhost"
	}
	return &j, h, nil
}
