package gram

import (
	"sort"
	"strings"

	"github.com/ohsu-comp-bio/gfac/job"
)

// RSL is an ordered set of job description attributes, rendered in the
// Resource Specification Language consumed by batch gatekeepers.
type RSL struct {
	attrs []attr
	env   [][2]string
}

type attr struct {
	name   string
	values []string
}

// NewRSL describes the job. env is the merged environment, which
// becomes the "environment" attribute.
func NewRSL(j *job.Job, env map[string]string) *RSL {
	r := &RSL{}
	r.Set("executable", j.Executable)
	if len(j.Args) > 0 {
		r.Set("arguments", j.Args...)
	}
	r.Set("directory", j.WorkDir)
	r.Set("stdout", j.Stdout)
	r.Set("stderr", j.Stderr)
	r.Set("count", "1")
	r.Set("jobtype", "single")

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.env = append(r.env, [2]string{k, env[k]})
	}
	return r
}

// Set replaces the values of an attribute, or appends it.
func (r *RSL) Set(name string, values ...string) {
	name = strings.ToLower(name)
	for i := range r.attrs {
		if r.attrs[i].name == name {
			r.attrs[i].values = values
			return
		}
	}
	r.attrs = append(r.attrs, attr{name, values})
}

// Get returns the values of an attribute.
func (r *RSL) Get(name string) []string {
	name = strings.ToLower(name)
	for _, a := range r.attrs {
		if a.name == name {
			return a.values
		}
	}
	return nil
}

// Attrs returns the attributes as a map of name to space-joined values.
func (r *RSL) Attrs() map[string]string {
	m := make(map[string]string, len(r.attrs))
	for _, a := range r.attrs {
		m[a.name] = strings.Join(a.values, " ")
	}
	return m
}

// Environment returns the environment as sorted key/value pairs.
func (r *RSL) Environment() [][2]string {
	return r.env
}

// String renders the RSL, e.g.
//
//	&(executable="/bin/echo")(arguments="a" "b")(environment=("K" "V"))
func (r *RSL) String() string {
	var b strings.Builder
	b.WriteString("&")
	for _, a := range r.attrs {
		b.WriteString("(")
		b.WriteString(a.name)
		b.WriteString("=")
		for i, v := range a.values {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(quote(v))
		}
		b.WriteString(")")
	}
	if len(r.env) > 0 {
		b.WriteString("(environment=")
		for _, kv := range r.env {
			b.WriteString("(" + quote(kv[0]) + " " + quote(kv[1]) + ")")
		}
		b.WriteString(")")
	}
	return b.String()
}

// Literal double quotes are escaped by doubling them.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
