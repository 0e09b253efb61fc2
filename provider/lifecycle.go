package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/metrics"
	"github.com/ohsu-comp-bio/gfac/output"
)

// Phase names a step of the lifecycle.
type Phase string

// Lifecycle phases, in execution order.
const (
	PhaseInitialize Phase = "initialize"
	PhaseStage      Phase = "stage"
	PhaseEnv        Phase = "configure-env"
	PhaseStart      Phase = "notify-start"
	PhaseRun        Phase = "run"
	PhaseFinish     Phase = "notify-finish"
	PhaseCollect    Phase = "collect-output"
)

// Lifecycle runs the phases of one session on one connection. Each phase
// runs once, in order; the first failing phase stops the run.
func Lifecycle(ctx context.Context, backend string, s *Session, conn Conn) (*Result, error) {
	start := time.Now()
	res := &Result{
		SessionID: s.ID,
		Backend:   backend,
	}

	fail := func(err error, phase Phase, def FaultKind) (*Result, error) {
		perr := classify(err, phase, def)
		if perr.Kind == JobCancelled {
			res.Status = JobCancellation
			_ = s.Transition(Cancelled)
		} else {
			res.Status = JobFailure
			if s.State() == Running {
				_ = s.Transition(Failed)
			}
		}
		if p, ok := conn.(PartialOutput); ok && res.Stdout == nil && res.Stderr == nil {
			if streams := p.Partial(); streams != nil {
				res.Stdout, res.Stderr = streams.Stdout, streams.Stderr
			}
		}
		res.Duration = time.Since(start)

		s.Log().Error("execution failed", "phase", perr.Phase, "kind", perr.Kind, "error", perr.Err)
		s.Notify(ctx, events.NewFailed(s.ID, perr))
		metrics.PhaseFailed(backend, string(perr.Phase), perr.Kind.String())
		metrics.ExecutionFinished(backend, res.Status.String(), res.Duration)
		return res, perr
	}

	if err := conn.Stage(ctx); err != nil {
		return fail(err, PhaseStage, LocalError)
	}
	if err := s.Transition(Staged); err != nil {
		return fail(err, PhaseStage, LocalError)
	}

	if err := conn.ConfigureEnv(ctx, s.Job.Environ()); err != nil {
		return fail(err, PhaseEnv, LocalError)
	}
	if err := s.Transition(EnvReady); err != nil {
		return fail(err, PhaseEnv, LocalError)
	}

	s.Notify(ctx, events.NewStarted(s.ID))
	if err := s.Transition(Running); err != nil {
		return fail(err, PhaseStart, LocalError)
	}

	status, err := conn.Run(ctx)
	if cerr := ctx.Err(); cerr != nil {
		if err == nil {
			err = cerr
		} else if KindOf(err) == 0 {
			err = fmt.Errorf("%w: %v", cerr, err)
		}
	}
	if err != nil {
		return fail(err, PhaseRun, LocalError)
	}
	res.Status = status.Status
	res.ExitCode = status.ExitCode

	s.Notify(ctx, events.NewFinished(s.ID))
	next := Completed
	if status.Status != Success {
		next = Failed
		s.Log().Warn("application exited with failure", "exitCode", status.ExitCode)
	}
	if err := s.Transition(next); err != nil {
		return fail(err, PhaseFinish, LocalError)
	}

	streams, err := conn.Fetch(ctx)
	if err != nil {
		return fail(err, PhaseCollect, LocalError)
	}
	res.Stdout, res.Stderr = streams.Stdout, streams.Stderr

	outputs, err := output.Collect(s.Job.Outputs, streams.Stdout, streams.Stderr)
	res.Outputs = outputs
	if err != nil {
		return fail(err, PhaseCollect, InvalidRequest)
	}
	if err := s.Transition(OutputCollected); err != nil {
		return fail(err, PhaseCollect, LocalError)
	}

	res.Duration = time.Since(start)
	metrics.ExecutionFinished(backend, res.Status.String(), res.Duration)
	return res, nil
}
