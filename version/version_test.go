package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(c, v string) { GitCommit, Version = c, v }(GitCommit, Version)
	GitCommit = "abc123"
	Version = "1.2.0"

	s := String()
	assert.Contains(t, s, "git commit: abc123\n")
	assert.NotContains(t, s, "git branch")
	assert.True(t, strings.HasSuffix(s, "version: 1.2.0"))
	assert.Len(t, LogFields(), 8)
}
