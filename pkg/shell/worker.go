package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/metrics"
	"github.com/psantana5/jobdriver/pkg/models"
)

// ErrStopped is returned by Enqueue after Stop
var ErrStopped = errors.New("shell worker stopped")

// ErrQueueFull is returned by Enqueue when every slot is taken
var ErrQueueFull = errors.New("shell queue full")

// Command results as counted in metrics
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultTimedOut  = "timed_out"
	ResultDropped   = "dropped"
)

// Updater records command progress. *driver.Dispatcher satisfies it.
type Updater interface {
	UpdateCommand(id string, fn func(*models.MessageRecord)) bool
}

// UpdaterFunc adapts a function to Updater
type UpdaterFunc func(id string, fn func(*models.MessageRecord)) bool

// UpdateCommand calls f
func (f UpdaterFunc) UpdateCommand(id string, fn func(*models.MessageRecord)) bool { return f(id, fn) }

// Runner executes one command line and returns its combined output
type Runner func(ctx context.Context, command string) (string, error)

// Config for a Worker
type Config struct {
	Workers        int
	QueueSize      int
	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultConfig matches the local runtime's thread pool
func DefaultConfig() Config {
	return Config{
		Workers:        3,
		QueueSize:      64,
		Timeout:        30 * time.Second,
		MaxOutputBytes: 64 * 1024,
	}
}

type job struct {
	id      string
	command string
}

// Worker runs operator commands on a fixed pool of goroutines so that the
// dispatch path never waits for a process.
type Worker struct {
	config  Config
	updater Updater
	run     Runner
	logger  *logging.Logger
	metrics *metrics.Recorder

	mu      sync.RWMutex
	stopped bool
	queue   chan job
	wg      sync.WaitGroup
}

// NewWorker creates a worker. Call Start before Enqueue.
func NewWorker(config Config, updater Updater, logger *logging.Logger, rec *metrics.Recorder) *Worker {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = def.MaxOutputBytes
	}
	if logger == nil {
		logger = logging.Discard()
	}
	w := &Worker{
		config:  config,
		updater: updater,
		logger:  logger.WithField("component", "shell"),
		metrics: rec,
		queue:   make(chan job, config.QueueSize),
	}
	w.run = w.execShell
	return w
}

// SetRunner replaces process execution, mainly for tests
func (w *Worker) SetRunner(r Runner) {
	w.run = r
}

// Start launches the pool
func (w *Worker) Start() {
	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	w.logger.Info("Shell worker started", logging.Fields{"workers": w.config.Workers})
}

// Enqueue schedules command for execution. It never blocks.
func (w *Worker) Enqueue(id, command string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrStopped
	}
	select {
	case w.queue <- job{id: id, command: command}:
		return nil
	default:
		w.metrics.CommandResult(ResultDropped)
		return ErrQueueFull
	}
}

// Stop refuses new commands and waits for queued ones to finish or ctx
// to expire
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(n int) {
	defer w.wg.Done()
	for j := range w.queue {
		w.execute(n, j)
	}
}

func (w *Worker) execute(n int, j job) {
	w.update(j.id, func(r *models.MessageRecord) {
		r.Status = models.CommandRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
	start := time.Now()
	output, err := w.run(ctx, j.command)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	fields := logging.Fields{
		"worker":      n,
		"command_id":  j.id,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	switch {
	case err == nil:
		w.metrics.CommandResult(ResultSucceeded)
		w.logger.Info("Command succeeded", fields)
		w.update(j.id, func(r *models.MessageRecord) {
			r.Status = models.CommandSucceeded
			r.Output = output
		})
	default:
		result := ResultFailed
		if timedOut {
			result = ResultTimedOut
			err = fmt.Errorf("timed out after %s", w.config.Timeout)
		}
		w.metrics.CommandResult(result)
		fields["error"] = err.Error()
		w.logger.Warn("Command failed", fields)
		w.update(j.id, func(r *models.MessageRecord) {
			r.Status = models.CommandFailed
			r.Output = output
			r.Error = err.Error()
		})
	}
}

func (w *Worker) update(id string, fn func(*models.MessageRecord)) {
	if w.updater == nil {
		return
	}
	w.updater.UpdateCommand(id, func(r *models.MessageRecord) {
		fn(r)
		r.UpdatedAt = time.Now()
	})
}

// execShell runs command through sh -c in its own process group so a
// timeout kills the whole pipeline
func (w *Worker) execShell(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	out := &limitedBuffer{max: w.config.MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		err = fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return out.String(), err
}

// limitedBuffer keeps the first max bytes written and discards the rest
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
