package events

import (
	"fmt"
	"time"
)

// Type describes the kind of a lifecycle notification.
type Type int

// Notification types.
const (
	Started Type = iota + 1
	Finished
	Info
	ResourceMapping
	ApplicationInfo
	Failed
)

var typeNames = map[Type]string{
	Started:         "STARTED",
	Finished:        "FINISHED",
	Info:            "INFO",
	ResourceMapping: "RESOURCE_MAPPING",
	ApplicationInfo: "APPLICATION_INFO",
	Failed:          "FAILED",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	for k, v := range typeNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", string(b))
}

// Event is a lifecycle notification for one execution session.
// Which fields are set depends on Type.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	// Info
	Text string `json:"text,omitempty"`
	// ResourceMapping
	ResourceID string `json:"resourceId,omitempty"`
	Address    string `json:"address,omitempty"`
	// ApplicationInfo
	JobID    string `json:"jobId,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	// Failed
	Cause string `json:"cause,omitempty"`
}

func newEvent(t Type, sessionID string) *Event {
	return &Event{Type: t, SessionID: sessionID, Timestamp: time.Now()}
}

// NewStarted creates an event signaling the application is about to start.
func NewStarted(sessionID string) *Event {
	return newEvent(Started, sessionID)
}

// NewFinished creates an event signaling the application has terminated.
func NewFinished(sessionID string) *Event {
	return newEvent(Finished, sessionID)
}

// NewInfo creates an informational event.
func NewInfo(sessionID, text string) *Event {
	ev := newEvent(Info, sessionID)
	ev.Text = text
	return ev
}

// NewResourceMapping creates an event recording which resource a session was
// mapped onto, e.g. a remote session or a cloud instance.
func NewResourceMapping(sessionID, resourceID, address string) *Event {
	ev := newEvent(ResourceMapping, sessionID)
	ev.ResourceID = resourceID
	ev.Address = address
	return ev
}

// NewApplicationInfo creates an event recording the backend job ID of a
// submitted application and the endpoint it was submitted to.
func NewApplicationInfo(sessionID, jobID, endpoint string) *Event {
	ev := newEvent(ApplicationInfo, sessionID)
	ev.JobID = jobID
	ev.Endpoint = endpoint
	return ev
}

// NewFailed creates an event signaling the execution failed.
func NewFailed(sessionID string, cause error) *Event {
	ev := newEvent(Failed, sessionID)
	if cause != nil {
		ev.Cause = cause.Error()
	}
	return ev
}
