package logger

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey string

// SessionIDKey is the context key under which a provider session ID is stored.
// Loggers pick it up when a context is passed as a log argument.
const SessionIDKey ctxKey = "sessionID"

// Logger handles structured logging for one namespace.
type Logger struct {
	ns     string
	logrus *logrus.Logger
	fields logrus.Fields
}

// New returns a new Logger instance with the default configuration.
func New(ns string, args ...interface{}) *Logger {
	l := &Logger{
		ns:     ns,
		logrus: logrus.New(),
		fields: fields(args...),
	}
	l.Configure(DefaultConfig())
	return l
}

// NewLogger returns a new Logger instance configured with the given Config.
func NewLogger(ns string, conf Config) *Logger {
	l := New(ns)
	l.Configure(conf)
	return l
}

// SetLevel sets the level of logging
func (l *Logger) SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		l.logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		l.logrus.SetLevel(logrus.WarnLevel)
	case "error":
		l.logrus.SetLevel(logrus.ErrorLevel)
	default:
		l.logrus.SetLevel(logrus.InfoLevel)
	}
}

// SetFormatter sets the formatter of the underlying logrus logger.
func (l *Logger) SetFormatter(f logrus.Formatter) {
	l.logrus.SetFormatter(f)
}

// SetOutput sets the output of the logger and all of its sub-loggers.
func (l *Logger) SetOutput(w io.Writer) {
	l.logrus.SetOutput(w)
}

// Discard configures the logger to discard all logs.
func (l *Logger) Discard() {
	l.SetOutput(io.Discard)
}

// Debug logs a debug message.
//
// After the first argument, arguments are key-value pairs which are written as structured logs.
//
//	log.Debug("Some message here", "key1", value1, "key2", value2)
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Warn(msg)
}

// Error logs an error message
//
// Error has a two-argument version that can be used as a shortcut.
//
//	err := startServer()
//	log.Error("Couldn't start server", err)
func (l *Logger) Error(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Error(msg)
}

// WithFields returns a new Logger instance with the given fields added to all log messages.
func (l *Logger) WithFields(args ...interface{}) *Logger {
	f := logrus.Fields{}
	for k, v := range l.fields {
		f[k] = v
	}
	for k, v := range fields(args...) {
		f[k] = v
	}
	return &Logger{ns: l.ns, logrus: l.logrus, fields: f}
}

// Sub returns a new Logger under the namespace "ns", sharing the output,
// level and formatter of the parent.
func (l *Logger) Sub(ns string, args ...interface{}) *Logger {
	sub := l.WithFields(args...)
	sub.ns = ns
	return sub
}

func (l *Logger) entry(args ...interface{}) *logrus.Entry {
	f := logrus.Fields{"ns": l.ns}
	for k, v := range l.fields {
		f[k] = v
	}
	for k, v := range fields(args...) {
		f[k] = v
	}
	return l.logrus.WithFields(f)
}

// recoverLogErr is used to recover from any panics during logging.
// Logging should never crash a program.
func recoverLogErr() {
	if r := recover(); r != nil {
		fmt.Println("Recovered from logging panic", r)
	}
}

// PrintSimpleError prints out an error message with a red "ERROR:" prefix.
func PrintSimpleError(err error) {
	fmt.Printf("\x1b[%dm%s\x1b[0m %s\n", 31, "ERROR:", err.Error())
}

func fields(args ...interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i < len(args); {
		switch x := args[i].(type) {
		case context.Context:
			if id, ok := x.Value(SessionIDKey).(string); ok {
				f[string(SessionIDKey)] = id
			}
			i++
			continue
		case error:
			f["error"] = x.Error()
			i++
			continue
		}
		if i+1 >= len(args) {
			f["unknown"] = args[i]
			break
		}
		f[fmt.Sprintf("%v", args[i])] = args[i+1]
		i += 2
	}
	return f
}
