package events

import (
	"context"

	"github.com/ohsu-comp-bio/gfac/logger"
)

// Logger writes events to a logger.
type Logger struct {
	log *logger.Logger
}

// NewLogger creates an event writer which logs under the "events" namespace.
func NewLogger(log *logger.Logger) *Logger {
	if log == nil {
		log = logger.Sub("events")
	} else {
		log = log.Sub("events")
	}
	return &Logger{log}
}

// WriteEvent writes an event to the logger.
func (el *Logger) WriteEvent(ctx context.Context, ev *Event) error {
	log := el.log.WithFields("sessionID", ev.SessionID, "timestamp", ev.Timestamp)
	ts := ev.Type.String()

	switch ev.Type {
	case Info:
		log.Info(ts, "text", ev.Text)
	case ResourceMapping:
		log.Info(ts, "resourceID", ev.ResourceID, "address", ev.Address)
	case ApplicationInfo:
		log.Info(ts, "jobID", ev.JobID, "endpoint", ev.Endpoint)
	case Failed:
		log.Error(ts, "cause", ev.Cause)
	default:
		log.Info(ts)
	}
	return nil
}
