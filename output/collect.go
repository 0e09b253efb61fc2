// Package output turns captured application output into named output values.
package output

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ohsu-comp-bio/gfac/job"
)

// Names used when a job declares no outputs.
const (
	StdoutKey = "stdout"
	StderrKey = "stderr"
)

// Collect builds the output map for the declared params.
//
// Stdout/Stderr params receive the raw stream. Scalar params are read from
// "name=value" lines on stdout; the last occurrence wins. Without any
// declared params the map holds the raw streams under "stdout" and "stderr".
//
// On error the returned map still holds every value that could be found.
func Collect(params []job.OutputParam, stdout, stderr []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(params) == 0 {
		out[StdoutKey] = string(stdout)
		out[StderrKey] = string(stderr)
		return out, nil
	}

	assigned := scan(stdout)
	var missing []string

	for _, p := range params {
		switch p.Type {
		case job.Stdout:
			out[p.Name] = string(stdout)
		case job.Stderr:
			out[p.Name] = string(stderr)
		default:
			v, ok := assigned[p.Name]
			if !ok {
				missing = append(missing, p.Name)
				continue
			}
			if err := check(p.Type, v); err != nil {
				return out, fmt.Errorf("output %q: %w", p.Name, err)
			}
			out[p.Name] = v
		}
	}

	if len(missing) > 0 {
		return out, fmt.Errorf("outputs not found in stdout: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// scan returns the last value assigned to each name in "name=value" lines.
func scan(b []byte) map[string]string {
	vals := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		if name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		vals[name] = strings.TrimSpace(line[i+1:])
	}
	return vals
}

func check(t job.ParamType, v string) error {
	switch t {
	case job.Integer:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
	case job.Float:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("not a float: %q", v)
		}
	}
	return nil
}
