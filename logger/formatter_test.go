package logger

import (
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatterForcedColors(t *testing.T) {
	c := DebugConfig()
	tf := &textFormatter{
		TextFormatConfig: c.TextFormat,
		json:             jsonFormatter{conf: c.JSONFormat},
	}

	entry := logrus.NewEntry(logrus.New()).WithFields(logrus.Fields{
		"ns":      "session",
		"err":     errors.New("boom"),
		"nil":     nil,
		"stderr":  "line1\nline2",
		"attempt": 2,
	})
	entry.Message = "hello"

	out, err := tf.Format(entry)
	require.NoError(t, err)
	s := string(out)
	for _, want := range []string{"hello", "boom", "line2", "attempt"} {
		assert.Contains(t, s, want)
	}
}

func TestTextFormatterSessionFieldsFirst(t *testing.T) {
	c := DebugConfig()
	c.TextFormat.DisableTimestamp = true
	tf := &textFormatter{TextFormatConfig: c.TextFormat}

	entry := logrus.NewEntry(logrus.New()).WithFields(logrus.Fields{
		"ns":        "provider",
		"address":   "10.0.0.1:22",
		"phase":     "run",
		"backend":   "ssh",
		"sessionID": "s1",
		"exitCode":  3,
	})
	entry.Message = "execution failed"

	assert.Equal(t,
		[]string{"sessionID", "backend", "phase", "address", "exitCode"},
		tf.keys(entry.Data))

	out, err := tf.Format(entry)
	require.NoError(t, err)
	s := string(out)
	assert.Less(t, strings.Index(s, "sessionID"), strings.Index(s, "address"))
}

func TestTextFormatterFallsBackToJSON(t *testing.T) {
	c := DefaultConfig()
	tf := &textFormatter{
		TextFormatConfig: c.TextFormat,
		json:             jsonFormatter{conf: c.JSONFormat},
	}

	l := logrus.New()
	l.Out = &strings.Builder{}
	entry := logrus.NewEntry(l).WithField("sessionID", "s1")
	entry.Message = "piped"

	out, err := tf.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"sessionID":"s1"`)
}
