// Package events contains the lifecycle notifications emitted by providers
// and the sinks they are written to.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/logger"
)

// Writer is a notification sink.
type Writer interface {
	WriteEvent(context.Context, *Event) error
}

type multiwriter []Writer

// MultiWriter writes events to all the given writers.
func MultiWriter(ws ...Writer) Writer {
	return multiwriter(ws)
}

// WriteEvent writes an event to all the writers. Every writer sees the
// event even if an earlier one fails.
func (mw multiwriter) WriteEvent(ctx context.Context, ev *Event) error {
	var result *multierror.Error
	for _, w := range mw {
		if err := w.WriteEvent(ctx, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type discard struct{}

func (discard) WriteEvent(context.Context, *Event) error {
	return nil
}

// Discard is a writer which discards all events.
var Discard Writer = discard{}

// Recorder keeps every event written to it, in order.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// WriteEvent records the event.
func (r *Recorder) WriteEvent(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Types returns the types of the recorded events, in order.
func (r *Recorder) Types() []Type {
	var types []Type
	for _, ev := range r.Events() {
		types = append(types, ev.Type)
	}
	return types
}

// FromConfig returns a Writer based on the given config.
// The returned close function releases any broker connections.
func FromConfig(conf config.Events, log *logger.Logger) (Writer, func() error, error) {
	var writers []Writer
	var closers []func() error

	for _, name := range conf.Active {
		switch name {
		case "log":
			writers = append(writers, NewLogger(log))
		case "kafka":
			k, err := NewKafkaWriter(conf.Kafka)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to instantiate kafka event writer: %w", err)
			}
			writers = append(writers, k)
			closers = append(closers, k.Close)
		default:
			return nil, nil, fmt.Errorf("unknown event writer: %s", name)
		}
	}

	closeAll := func() error {
		var result *multierror.Error
		for _, c := range closers {
			result = multierror.Append(result, c())
		}
		return result.ErrorOrNil()
	}

	if writers == nil {
		return Discard, closeAll, nil
	}
	return MultiWriter(writers...), closeAll, nil
}
