package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/ohsu-comp-bio/gfac/compute"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/job"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/util"
	"github.com/ohsu-comp-bio/gfac/version"
	"github.com/prometheus/client_golang/prometheus"
)

// Options controls what Run prints and writes besides the result.
type Options struct {
	// Out receives the result, as YAML.
	Out io.Writer
	// Leave stdout and stderr out of the printed result.
	Quiet bool
	// If set, metrics are written here in the Prometheus text format.
	MetricsFile string
}

// report is the printed form of a provider.Result.
type report struct {
	SessionID string            `json:"sessionID"`
	Backend   string            `json:"backend"`
	Status    provider.Status   `json:"status"`
	ExitCode  int               `json:"exitCode"`
	Duration  string            `json:"duration"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Stdout    string            `json:"stdout,omitempty"`
	Stderr    string            `json:"stderr,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Run executes one job on the configured backend and prints the result.
// SIGINT and SIGTERM abort the job. An error is returned if the job did
// not succeed.
func Run(ctx context.Context, conf config.Config, j *job.Job, h *job.Host, opts Options) error {
	logger.Configure(conf.Logger)
	log := logger.NewLogger("gfac", conf.Logger)
	log.Debug("version", version.LogFields()...)

	w, closeWriters, err := events.FromConfig(conf.Events, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeWriters(); err != nil {
			log.Error("failed to close event writers", err)
		}
	}()

	b, err := compute.NewBackend(conf.Backend, conf, log)
	if err != nil {
		return err
	}

	d := provider.New(b, w, log)
	defer d.Dispose()

	runctx, stop := context.WithCancel(ctx)
	defer stop()
	sigctx := util.SignalContext(runctx, 0, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigctx.Done()
		var serr *util.SignalError
		// otherwise the run is over, or ctx was cancelled and Execute sees it directly
		if !errors.As(context.Cause(sigctx), &serr) {
			return
		}
		log.Info("aborting job", "signal", serr.Signal.String())
		d.Abort()
	}()

	res, runErr := d.Execute(ctx, j, h)

	if res != nil && opts.Out != nil {
		if err := printResult(opts.Out, res, runErr, opts.Quiet); err != nil {
			log.Error("failed to print result", err)
		}
	}
	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, prometheus.DefaultGatherer); err != nil {
			log.Error("failed to write metrics", err, "path", opts.MetricsFile)
		}
	}

	if runErr != nil {
		return runErr
	}
	if res.Status != provider.Success {
		return fmt.Errorf("job %s %s with exit code %d", res.SessionID, res.Status, res.ExitCode)
	}
	return nil
}

func printResult(out io.Writer, res *provider.Result, runErr error, quiet bool) error {
	r := report{
		SessionID: res.SessionID,
		Backend:   res.Backend,
		Status:    res.Status,
		ExitCode:  res.ExitCode,
		Duration:  res.Duration.String(),
		Outputs:   res.Outputs,
	}
	if !quiet {
		r.Stdout = string(res.Stdout)
		r.Stderr = string(res.Stderr)
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}

	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}
