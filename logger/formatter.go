package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// leadingKeys are printed right after the message, in this order, so that
// lines of one session line up. Everything else follows sorted.
var leadingKeys = []string{string(SessionIDKey), "backend", "phase", "state"}

// Text lines show seconds since the process started unless FullTimestamp is set.
var baseTimestamp = time.Now()

type jsonFormatter struct {
	conf JSONFormatConfig
	fmt  *logrus.JSONFormatter
}

func (f *jsonFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if f.fmt == nil {
		f.fmt = &logrus.JSONFormatter{
			DisableHTMLEscape: true,
			DisableTimestamp:  f.conf.DisableTimestamp,
			TimestampFormat:   f.conf.TimestampFormat,
		}
	}
	return f.fmt.Format(entry)
}

// textFormatter prints a colored block per entry on a terminal, and falls
// back to JSON when the output is a file or pipe.
type textFormatter struct {
	TextFormatConfig
	json jsonFormatter
}

func isColorTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	colored := (f.ForceColors || isColorTerminal(entry.Logger.Out)) && !f.DisableColors
	if !colored {
		return f.json.Format(entry)
	}

	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	if !f.DisableTimestamp {
		if f.FullTimestamp {
			entry.Data["time"] = entry.Time.Format(f.TimestampFormat)
		} else {
			secs := entry.Time.Sub(baseTimestamp) / time.Second
			entry.Data["time"] = fmt.Sprintf("%04d", int(secs))
		}
	}

	color := levelColor(entry.Level)
	ns, _ := entry.Data["ns"].(string)
	fmt.Fprintf(b, "%s%-20s %s\n", f.Indent, aurora.Colorize(ns, color|aurora.BoldFm), entry.Message)

	for _, k := range f.keys(entry.Data) {
		fmt.Fprintf(b, "%s%-20s %v\n", f.Indent, aurora.Colorize(k, color), f.value(entry.Data[k]))
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelColor(lvl logrus.Level) aurora.Color {
	switch lvl {
	case logrus.DebugLevel:
		return aurora.MagentaFg
	case logrus.WarnLevel:
		return aurora.BrownFg
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return aurora.RedFg
	default:
		return aurora.CyanFg
	}
}

// value indents continuation lines of multi-line values, e.g. a stderr
// tail, under the value column.
func (f *textFormatter) value(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	if s, ok := v.(string); ok {
		return strings.ReplaceAll(s, "\n", "\n"+f.Indent+strings.Repeat(" ", 21))
	}
	return v
}

func (f *textFormatter) keys(data logrus.Fields) []string {
	var lead, rest []string
	for _, k := range leadingKeys {
		if _, ok := data[k]; ok {
			lead = append(lead, k)
		}
	}
	for k := range data {
		if k == "ns" || isLeading(k) {
			continue
		}
		rest = append(rest, k)
	}
	if !f.DisableSorting {
		sort.Strings(rest)
	}
	return append(lead, rest...)
}

func isLeading(k string) bool {
	for _, l := range leadingKeys {
		if k == l {
			return true
		}
	}
	return false
}
