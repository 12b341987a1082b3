package procqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunnerConfig contains runner configuration.
type RunnerConfig struct {
	// BatchSize caps how many work items one pass processes.
	BatchSize int
	// Category restricts the runner to one event category. Empty means all.
	Category string
	// PollInterval is the tick of the optional in-process loop.
	PollInterval time.Duration
	// RequeueActiveAfter, when positive, resets trackers stuck in active
	// longer than this back to pending at the start of a pass. Zero keeps
	// them untouched.
	RequeueActiveAfter time.Duration
}

// DefaultRunnerConfig returns default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		BatchSize:    100,
		PollInterval: time.Minute,
	}
}

// Runner drains one batch of work items per pass, dispatching every
// pending tracker to its registered consumer. A Postgres advisory lock
// guards the whole pass, so overlapping invocations (a tight external
// schedule, or the in-process loop racing a one-shot run) are safe.
type Runner struct {
	config   RunnerConfig
	service  *Service
	registry *Registry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a new queue runner.
func NewRunner(config RunnerConfig, service *Service, registry *Registry) *Runner {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultRunnerConfig().BatchSize
	}
	return &Runner{
		config:   config,
		service:  service,
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// RunOnce executes a single lock-guarded pass and returns once the batch
// is drained. Failing to acquire the lock is the expected outcome of an
// overlapping invocation and reports success.
func (r *Runner) RunOnce(ctx context.Context) error {
	release, acquired, err := r.service.AcquireRunnerLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire runner lock: %w", err)
	}
	if !acquired {
		recordLockBusy()
		slog.Debug("queue runner already active, skipping pass")
		return nil
	}
	defer release()

	if r.config.RequeueActiveAfter > 0 {
		n, err := r.service.ReclaimStale(ctx, r.config.RequeueActiveAfter)
		if err != nil {
			slog.Error("failed to reclaim stale trackers", "error", err)
		} else if n > 0 {
			slog.Warn("requeued trackers stuck in active", "count", n)
		}
	}

	items, err := r.service.NextBatch(ctx, r.config.BatchSize, r.config.Category)
	if err != nil {
		return fmt.Errorf("fetch work item batch: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	recordBatchFetched(len(items))
	slog.Debug("processing queue batch", "items", len(items))

	for _, item := range items {
		r.processItem(ctx, item)
	}
	return nil
}

// Start launches the in-process runner loop. Deployments that invoke
// `run-queue` from an external scheduler instead simply never call it.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("starting queue runner",
		"batch_size", r.config.BatchSize,
		"poll_interval", r.config.PollInterval,
	)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop gracefully stops the runner loop.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	slog.Info("queue runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	interval := r.config.PollInterval
	if interval <= 0 {
		interval = DefaultRunnerConfig().PollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				slog.Error("queue runner pass failed", "error", err)
			}
		}
	}
}

func (r *Runner) processItem(ctx context.Context, item *WorkItem) {
	for _, tracker := range item.Trackers {
		if tracker.Status != StatusPending {
			continue
		}
		r.dispatch(ctx, item, tracker)
	}
}

// dispatch runs one consumer against one tracker. Errors are contained
// at the tracker: a failing consumer never aborts sibling trackers or
// other items in the batch.
func (r *Runner) dispatch(ctx context.Context, item *WorkItem, tracker *Tracker) {
	consumer, ok := r.registry.Lookup(tracker.ConsumerName)
	if !ok {
		// The registered set changed since the item was created. Surface
		// it through the failed-tracker inspection query instead of
		// leaving the tracker pending forever.
		slog.Error("tracker references unregistered consumer",
			"consumer", tracker.ConsumerName,
			"item_id", item.ID,
			"subject_id", item.SubjectID,
		)
		if err := r.service.MarkConsumerFailed(ctx, tracker, "consumer not registered"); err != nil {
			slog.Error("failed to mark tracker failed", "tracker_id", tracker.ID, "error", err)
		}
		recordConsumerRun(tracker.ConsumerName, "unregistered")
		return
	}

	if err := r.service.MarkConsumerActive(ctx, tracker); err != nil {
		slog.Error("failed to mark tracker active", "tracker_id", tracker.ID, "error", err)
		return
	}

	start := time.Now()
	err := invokeConsumer(ctx, consumer, item.SubjectID)
	duration := time.Since(start)
	recordConsumerDuration(consumer.Name(), duration)

	if err != nil {
		slog.Warn("consumer failed",
			"consumer", consumer.Name(),
			"subject_id", item.SubjectID,
			"category", item.Category,
			"error", err,
		)
		if markErr := r.service.MarkConsumerFailed(ctx, tracker, err.Error()); markErr != nil {
			slog.Error("failed to mark tracker failed", "tracker_id", tracker.ID, "error", markErr)
		}
		recordConsumerRun(consumer.Name(), "failed")
		return
	}

	if markErr := r.service.MarkConsumerComplete(ctx, tracker); markErr != nil {
		slog.Error("failed to mark tracker completed", "tracker_id", tracker.ID, "error", markErr)
		return
	}
	recordConsumerRun(consumer.Name(), "completed")

	slog.Debug("consumer completed",
		"consumer", consumer.Name(),
		"subject_id", item.SubjectID,
		"duration", duration,
	)
}

// invokeConsumer calls the consumer and converts a panic into an error so
// a misbehaving consumer is recorded on its tracker like any other
// failure.
func invokeConsumer(ctx context.Context, consumer Consumer, subjectID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("consumer panic: %v", p)
		}
	}()
	return consumer.Process(ctx, subjectID)
}
