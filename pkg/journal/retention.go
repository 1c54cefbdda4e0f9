package journal

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/jobdriver/pkg/logging"
)

// RetentionStats tracks pruning runs
type RetentionStats struct {
	LastRun      time.Time
	LastDuration time.Duration
	LastRemoved  int64
	TotalRemoved int64
	Runs         int64
}

// Janitor periodically prunes entries older than the retention window
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats RetentionStats
}

// NewJanitor creates a janitor keeping retention worth of entries and
// pruning every interval
func NewJanitor(store Store, retention, interval time.Duration, logger *logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the prune loop. A janitor without a positive retention
// or interval stays idle.
func (j *Janitor) Start() {
	if j.retention <= 0 || j.interval <= 0 {
		j.logger.Debug("journal retention disabled")
		return
	}
	j.logger.Info("journal retention started", logging.Fields{
		"retention": j.retention.String(),
		"interval":  j.interval.String(),
	})
	j.wg.Add(1)
	go j.loop()
}

// Stop ends the loop and waits for a running prune to finish
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(j.ctx); err != nil && j.ctx.Err() == nil {
				j.logger.Error("journal prune failed", logging.Fields{"error": err.Error()})
			}
		}
	}
}

// RunOnce prunes entries recorded before now minus the retention window
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	start := j.now()
	removed, err := j.store.Prune(ctx, start.Add(-j.retention))
	if err != nil {
		return 0, err
	}
	duration := j.now().Sub(start)

	j.mu.Lock()
	j.stats.LastRun = start
	j.stats.LastDuration = duration
	j.stats.LastRemoved = removed
	j.stats.TotalRemoved += removed
	j.stats.Runs++
	j.mu.Unlock()

	if removed > 0 {
		j.logger.Info("journal pruned", logging.Fields{"removed": removed, "duration": duration.String()})
	}
	return removed, nil
}

// Stats returns a copy of the pruning statistics
func (j *Janitor) Stats() RetentionStats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats
}
