package notifications

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// Sweeper runs one digest sweep.
type Sweeper interface {
	RunSweep(ctx context.Context, now time.Time) (SweepResult, error)
}

// WorkerConfig contains scheduler configuration.
type WorkerConfig struct {
	SweepEnabled bool
	SweepEvery   time.Duration

	RetentionEnabled bool
	RetentionEvery   time.Duration
	// RetentionMaxAge is how long a job row, and thus its dedupe key, is kept.
	RetentionMaxAge time.Duration
}

// DefaultWorkerConfig returns default scheduler configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SweepEnabled:     true,
		SweepEvery:       5 * time.Minute,
		RetentionEnabled: true,
		RetentionEvery:   time.Hour,
		RetentionMaxAge:  30 * 24 * time.Hour,
	}
}

// Worker runs the digest sweep and the job retention on fixed tickers.
type Worker struct {
	config  WorkerConfig
	sweeper Sweeper
	jobs    JobStore
	clock   clock.Clock

	sweeping atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new scheduler.
func NewWorker(config WorkerConfig, sweeper Sweeper, jobs JobStore, clk clock.Clock) *Worker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Worker{
		config:  config,
		sweeper: sweeper,
		jobs:    jobs,
		clock:   clk,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the enabled loops.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting notification scheduler",
		"sweep_enabled", w.config.SweepEnabled,
		"sweep_every", w.config.SweepEvery,
		"retention_enabled", w.config.RetentionEnabled,
		"retention_every", w.config.RetentionEvery,
	)

	if w.config.SweepEnabled {
		w.wg.Add(1)
		go w.run(ctx, w.config.SweepEvery, w.sweep)
	}
	if w.config.RetentionEnabled {
		w.wg.Add(1)
		go w.run(ctx, w.config.RetentionEvery, w.purge)
	}
}

// Stop gracefully stops all loops.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("notification scheduler stopped")
}

func (w *Worker) run(ctx context.Context, every time.Duration, task func(context.Context)) {
	defer w.wg.Done()

	timer := w.clock.NewTimer(every)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-timer.Chan():
			task(ctx)
			timer.Reset(every)
		}
	}
}

// TriggerSweep runs a sweep unless one is already running. The second return
// value is false when the sweep was skipped.
func (w *Worker) TriggerSweep(ctx context.Context) (SweepResult, bool, error) {
	if !w.sweeping.CompareAndSwap(false, true) {
		return SweepResult{}, false, nil
	}
	defer w.sweeping.Store(false)

	result, err := w.sweeper.RunSweep(ctx, w.clock.Now())
	return result, true, err
}

func (w *Worker) sweep(ctx context.Context) {
	_, ran, err := w.TriggerSweep(ctx)
	if err != nil {
		slog.Error("digest sweep failed", "error", err)
		return
	}
	if !ran {
		slog.Debug("digest sweep already running, tick skipped")
	}
}

// Purge deletes jobs older than the retention age.
func (w *Worker) Purge(ctx context.Context) (int64, error) {
	before := w.clock.Now().Add(-w.config.RetentionMaxAge)
	deleted, err := w.jobs.DeleteJobsBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	recordJobsPurged(deleted)
	return deleted, nil
}

func (w *Worker) purge(ctx context.Context) {
	deleted, err := w.Purge(ctx)
	if err != nil {
		slog.Error("failed to purge old notification jobs", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("purged old notification jobs", "deleted", deleted)
	}
}
