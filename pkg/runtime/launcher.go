package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/models"
)

// DefaultJobTimeout is used when Run is given a non-positive timeout
const DefaultJobTimeout = 300 * time.Second

// ErrJobTimeout fails a job that outlives its timeout
var ErrJobTimeout = errors.New("job timeout exceeded")

// Status is the launcher's verdict on a finished job
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ExitCode maps the status to a process exit code
func (s Status) ExitCode() int {
	switch s {
	case StatusCompleted:
		return 0
	case StatusTimedOut:
		return 2
	default:
		return 1
	}
}

// Job is the dispatcher as seen by the launcher
type Job interface {
	Done() <-chan struct{}
	Snapshot() models.Snapshot
	RequestStop(reason string) error
	Fail(err error)
}

// Launcher runs one job on a local runtime and waits for it to finish
type Launcher struct {
	runtime *Local
	job     Job
	logger  *logging.Logger
	grace   time.Duration
}

// NewLauncher binds a runtime to the job it feeds
func NewLauncher(rt *Local, job Job, logger *logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Launcher{
		runtime: rt,
		job:     job,
		logger:  logger.WithField("component", "launcher"),
		grace:   5 * time.Second,
	}
}

// Run starts the driver and blocks until the job stops, fails, exceeds
// timeout, or ctx is cancelled. Cancellation is treated as an operator
// stop.
func (l *Launcher) Run(ctx context.Context, timeout time.Duration) (Status, error) {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	l.logger.Info("Launching job", logging.Fields{"timeout": timeout.String()})
	l.runtime.Start(ctx)

	select {
	case <-l.job.Done():
	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrJobTimeout, timeout)
		l.logger.Error("Job timed out", logging.Fields{"timeout": timeout.String()})
		l.requestStop("job timeout")
		l.job.Fail(err)
		l.runtime.Shutdown(err)
		l.drain()
		return StatusTimedOut, err
	case <-ctx.Done():
		l.logger.Info("Launcher interrupted, stopping job")
		l.requestStop("interrupted")
		l.runtime.Shutdown(nil)
		select {
		case <-l.job.Done():
		case <-time.After(l.grace):
			l.job.Fail(fmt.Errorf("job did not stop within %s: %w", l.grace, ctx.Err()))
		}
	}

	// no-op when the job already asked for it
	l.runtime.Shutdown(nil)
	l.drain()
	snap := l.job.Snapshot()
	if snap.Phase == models.PhaseFailed {
		fields := logging.Fields{"error": snap.LastError}
		if reason := l.runtime.Reason(); reason != nil {
			fields["shutdown_reason"] = reason.Error()
		}
		l.logger.Error("Job failed", fields)
		return StatusFailed, errors.New(snap.LastError)
	}
	l.logger.Info("Job completed", logging.Fields{"events": snap.EventsApplied})
	return StatusCompleted, nil
}

// requestStop moves the job to Stopping before the runtime shuts down, so
// handlers still in flight see the stop instead of a refused request
func (l *Launcher) requestStop(reason string) {
	if err := l.job.RequestStop(reason); err != nil {
		l.logger.Debug("Stop request not applied", logging.Fields{"reason": reason, "error": err.Error()})
	}
}

// drain waits briefly for the driver stop and other in-flight deliveries
// so they do not outlive Run
func (l *Launcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), l.grace)
	defer cancel()
	select {
	case <-l.runtime.Stopped():
	case <-ctx.Done():
		l.logger.Warn("Driver stop not delivered within grace period")
		return
	}
	if err := l.runtime.Wait(ctx); err != nil {
		l.logger.Warn("Runtime deliveries still in flight", logging.Fields{"error": err.Error()})
	}
}
