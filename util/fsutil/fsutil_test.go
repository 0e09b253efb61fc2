package fsutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDirs(dir, dir))

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestEnsureDirFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0600))
	assert.Error(t, EnsureDir(f))
}

func TestEnsurePath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x", "y", "stdout")
	require.NoError(t, EnsurePath(p))
	_, err := os.Stat(filepath.Dir(p))
	assert.NoError(t, err)
}

func TestCopyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var b bytes.Buffer
	_, err := Copy(ctx, &b, strings.NewReader("data"))
	assert.Equal(t, context.Canceled, err)
}

func TestCopy(t *testing.T) {
	var b bytes.Buffer
	n, err := Copy(context.Background(), &b, strings.NewReader("data"))
	assert.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Equal(t, "data", b.String())
}
