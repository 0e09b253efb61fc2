package output

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectNoDeclarations(t *testing.T) {
	out, err := Collect(nil, []byte("hi\n"), []byte("warn\n"))
	require.NoError(t, err)
	expected := map[string]string{"stdout": "hi\n", "stderr": "warn\n"}
	if diff := deep.Equal(out, expected); diff != nil {
		t.Error(diff)
	}
}

func TestCollectDeclared(t *testing.T) {
	stdout := []byte(`starting
energy = 1.5
steps=10
label=first
label=second
not a pair
`)
	params := []job.OutputParam{
		{Name: "energy", Type: job.Float},
		{Name: "steps", Type: job.Integer},
		{Name: "label", Type: job.String},
		{Name: "log", Type: job.Stderr},
		{Name: "raw", Type: job.Stdout},
	}

	out, err := Collect(params, stdout, []byte("e"))
	require.NoError(t, err)
	assert.Equal(t, "1.5", out["energy"])
	assert.Equal(t, "10", out["steps"])
	assert.Equal(t, "second", out["label"])
	assert.Equal(t, "e", out["log"])
	assert.Equal(t, string(stdout), out["raw"])
}

func TestCollectMissingKeepsPartial(t *testing.T) {
	params := []job.OutputParam{
		{Name: "found", Type: job.String},
		{Name: "lost", Type: job.String},
	}
	out, err := Collect(params, []byte("found=yes\n"), nil)
	assert.EqualError(t, err, "outputs not found in stdout: lost")
	assert.Equal(t, "yes", out["found"])
}

func TestCollectTypeMismatch(t *testing.T) {
	params := []job.OutputParam{{Name: "n", Type: job.Integer}}
	_, err := Collect(params, []byte("n=abc\n"), nil)
	assert.Error(t, err)
}
