// Package job describes what to run and where to run it.
package job

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
)

// Fixed environment keys injected into every job's environment,
// regardless of backend.
const (
	EnvInputDir  = "inputData"
	EnvOutputDir = "outputData"
)

// ParamType is the type of a declared output parameter.
type ParamType string

// Output parameter types.
const (
	String  ParamType = "String"
	Integer ParamType = "Integer"
	Float   ParamType = "Float"
	Stdout  ParamType = "Stdout"
	Stderr  ParamType = "Stderr"
)

// OutputParam declares a named output the application produces.
type OutputParam struct {
	Name string
	Type ParamType
}

// Job describes what to run: the command, its environment, the staging
// directories it expects, and where its stdout/stderr go.
//
// A Job must not be modified once execution begins.
type Job struct {
	// Application name, used in logs and job scripts.
	Name       string
	Executable string
	Args       []string
	// Env is the job's environment overlay.
	Env       map[string]string
	WorkDir   string
	TempDir   string
	InputDir  string
	OutputDir string
	// Target paths for the application's stdout and stderr.
	Stdout  string
	Stderr  string
	Outputs []OutputParam
}

// Dirs returns the four staging directories in the order
// working, temp, input, output.
func (j *Job) Dirs() []string {
	return []string{j.WorkDir, j.TempDir, j.InputDir, j.OutputDir}
}

// Command returns the executable followed by its arguments.
func (j *Job) Command() []string {
	return append([]string{j.Executable}, j.Args...)
}

// Environ returns a copy of the environment overlay with the fixed
// input/output directory keys bound to the job's directories.
// The fixed keys take precedence over the overlay.
func (j *Job) Environ() map[string]string {
	env := make(map[string]string, len(j.Env)+2)
	for k, v := range j.Env {
		env[k] = v
	}
	env[EnvInputDir] = j.InputDir
	env[EnvOutputDir] = j.OutputDir
	return env
}

// SortedEnv returns Environ as "K=V" pairs sorted by key.
func (j *Job) SortedEnv() []string {
	env := j.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate returns an error if the job is missing required fields or
// names an environment variable a POSIX shell cannot export.
func (j *Job) Validate() error {
	if j == nil {
		return errors.New("job is nil")
	}
	if j.Executable == "" {
		return errors.New("job has no executable")
	}
	for name, d := range map[string]string{
		"working": j.WorkDir,
		"temp":    j.TempDir,
		"input":   j.InputDir,
		"output":  j.OutputDir,
	} {
		if d == "" {
			return fmt.Errorf("job has no %s directory", name)
		}
	}
	if j.Stdout == "" || j.Stderr == "" {
		return errors.New("job has no stdout/stderr target")
	}
	for k := range j.Env {
		if !envKey.MatchString(k) {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	seen := map[string]bool{}
	for _, o := range j.Outputs {
		if o.Name == "" {
			return errors.New("output parameter has no name")
		}
		if seen[o.Name] {
			return fmt.Errorf("duplicate output parameter %q", o.Name)
		}
		seen[o.Name] = true
		switch o.Type {
		case String, Integer, Float, Stdout, Stderr:
		default:
			return fmt.Errorf("output parameter %q has unknown type %q", o.Name, o.Type)
		}
	}
	return nil
}

// WithDefaults returns a copy of the job with empty directories and
// stream targets filled in under base.
func (j Job) WithDefaults(base string) Job {
	if j.WorkDir == "" {
		j.WorkDir = base
	}
	if j.TempDir == "" {
		j.TempDir = path.Join(j.WorkDir, "tmp")
	}
	if j.InputDir == "" {
		j.InputDir = path.Join(j.WorkDir, "inputs")
	}
	if j.OutputDir == "" {
		j.OutputDir = path.Join(j.WorkDir, "outputs")
	}
	if j.Stdout == "" {
		j.Stdout = path.Join(j.WorkDir, "stdout")
	}
	if j.Stderr == "" {
		j.Stderr = path.Join(j.WorkDir, "stderr")
	}
	return j
}
