package util

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"
)

// SignalError is the cancel cause of a context cancelled by SignalContext.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %s", e.Signal)
}

// SignalContext returns a context which is cancelled, delay after the first
// of sigs arrives, with a *SignalError cause. Use context.Cause to tell
// a signal apart from the parent being cancelled.
func SignalContext(ctx context.Context, delay time.Duration, sigs ...os.Signal) context.Context {
	sch := make(chan os.Signal, 1)
	sub, cancel := context.WithCancelCause(ctx)
	signal.Notify(sch, sigs...)

	go func() {
		defer signal.Stop(sch)
		select {
		case <-sub.Done():
			return
		case sig := <-sch:
			time.Sleep(delay)
			cancel(&SignalError{Signal: sig})
		}
	}()

	return sub
}
