package procqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// flushBatchSize bounds how many work items a bulk enqueue accumulates
// before flushing them to storage in one transaction.
const flushBatchSize = 50

// Service provides the queue operations: enqueue (single and bulk),
// tracker transitions, and the operator inspection surface.
type Service struct {
	repo     Repository
	registry *Registry
}

// NewService creates a new queue service.
func NewService(repo Repository, registry *Registry) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
	}
}

// Enqueue creates a work item for the subject plus one pending tracker
// per consumer registered for the category. Returns nil without error
// when an item already exists for the pair: a duplicate enqueue is a
// defined no-op, not a failure.
func (s *Service) Enqueue(ctx context.Context, subjectID, category string) (*WorkItem, error) {
	consumers := s.registry.ConsumersFor(category)
	if len(consumers) == 0 {
		slog.Warn("no consumers registered for category, skipping enqueue",
			"category", category,
			"subject_id", subjectID,
		)
		return nil, nil
	}

	exists, err := s.repo.ExistsForSubject(ctx, subjectID, category)
	if err != nil {
		return nil, fmt.Errorf("check existing work item: %w", err)
	}
	if exists {
		return nil, nil
	}

	item := newWorkItem(subjectID, category, consumers)
	inserted, err := s.repo.InsertItems(ctx, []*WorkItem{item})
	if err != nil {
		return nil, fmt.Errorf("insert work item: %w", err)
	}
	if inserted == 0 {
		// A concurrent enqueue won the unique index race.
		return nil, nil
	}

	recordEnqueued(category, 1)
	return item, nil
}

// EnqueueBulk enqueues many subjects for one category, skipping subjects
// that already have an outstanding work item as well as duplicates within
// the call itself. Items are flushed in fixed-size sub-batches to bound
// memory and transaction size. Returns the number of items inserted.
func (s *Service) EnqueueBulk(ctx context.Context, subjectIDs []string, category string) (int, error) {
	if len(subjectIDs) == 0 {
		return 0, nil
	}

	consumers := s.registry.ConsumersFor(category)
	if len(consumers) == 0 {
		slog.Warn("no consumers registered for category, skipping bulk enqueue",
			"category", category,
			"subjects", len(subjectIDs),
		)
		return 0, nil
	}

	existing, err := s.repo.FindExistingSubjects(ctx, subjectIDs, category)
	if err != nil {
		return 0, fmt.Errorf("find existing subjects: %w", err)
	}

	seen := make(map[string]struct{}, len(subjectIDs))
	batch := make([]*WorkItem, 0, flushBatchSize)
	inserted := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.repo.InsertItems(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert work items: %w", err)
		}
		inserted += n
		batch = batch[:0]
		return nil
	}

	for _, subjectID := range subjectIDs {
		if _, ok := existing[subjectID]; ok {
			continue
		}
		if _, ok := seen[subjectID]; ok {
			continue
		}
		seen[subjectID] = struct{}{}

		batch = append(batch, newWorkItem(subjectID, category, consumers))
		if len(batch) >= flushBatchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}

	if inserted > 0 {
		recordEnqueued(category, inserted)
		slog.Info("bulk enqueue finished",
			"category", category,
			"reported", len(subjectIDs),
			"enqueued", inserted,
		)
	}
	return inserted, nil
}

// NextBatch returns the oldest work items with their trackers, optionally
// filtered by category. An empty category matches all items.
func (s *Service) NextBatch(ctx context.Context, limit int, category string) ([]*WorkItem, error) {
	return s.repo.NextBatch(ctx, limit, category)
}

// MarkConsumerActive transitions a tracker to active immediately before
// its consumer runs and increments the owning item's attempts counter.
func (s *Service) MarkConsumerActive(ctx context.Context, tracker *Tracker) error {
	if err := s.repo.MarkTrackerActive(ctx, tracker.ID, tracker.ItemID); err != nil {
		return fmt.Errorf("mark tracker active: %w", err)
	}
	tracker.Status = StatusActive
	return nil
}

// MarkConsumerComplete transitions a tracker to completed. When it was
// the last incomplete tracker, the work item and all its trackers are
// deleted: completed work leaves no row behind.
func (s *Service) MarkConsumerComplete(ctx context.Context, tracker *Tracker) error {
	deleted, err := s.repo.CompleteTracker(ctx, tracker.ID, tracker.ItemID)
	if err != nil {
		return fmt.Errorf("complete tracker: %w", err)
	}
	tracker.Status = StatusCompleted
	if deleted {
		recordItemDeleted()
		slog.Debug("work item fully processed and deleted", "item_id", tracker.ItemID)
	}
	return nil
}

// MarkConsumerFailed records a consumer failure on its tracker. The work
// item is retained for operator review; failed trackers are not retried
// automatically.
func (s *Service) MarkConsumerFailed(ctx context.Context, tracker *Tracker, message string) error {
	if err := s.repo.FailTracker(ctx, tracker.ID, message); err != nil {
		return fmt.Errorf("fail tracker: %w", err)
	}
	tracker.Status = StatusFailed
	tracker.ErrorMessage = message
	return nil
}

// ReclaimStale requeues trackers left active longer than olderThan,
// typically after a crashed runner.
func (s *Service) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.ReclaimStale(ctx, olderThan)
}

// FailedTrackers returns the trackers currently in the failed state, the
// queue's only externally consumed failure-reporting contract.
func (s *Service) FailedTrackers(ctx context.Context, limit int) ([]*FailedTracker, error) {
	return s.repo.ListFailedTrackers(ctx, limit)
}

// RetryTracker resets a failed tracker back to pending so the next runner
// pass dispatches it again.
func (s *Service) RetryTracker(ctx context.Context, trackerID string) error {
	return s.repo.ResetTracker(ctx, trackerID)
}

// DiscardTracker deletes a failed tracker. When every remaining tracker
// of the item is completed, the item is deleted as well.
func (s *Service) DiscardTracker(ctx context.Context, trackerID string) error {
	deleted, err := s.repo.DeleteTracker(ctx, trackerID)
	if err != nil {
		return err
	}
	if deleted {
		recordItemDeleted()
	}
	return nil
}

// Stats returns queue depth counters.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	return s.repo.Stats(ctx)
}

// AcquireRunnerLock try-acquires the runner mutex.
func (s *Service) AcquireRunnerLock(ctx context.Context) (func(), bool, error) {
	return s.repo.AcquireRunnerLock(ctx)
}

func newWorkItem(subjectID, category string, consumers []Consumer) *WorkItem {
	now := time.Now().UTC()
	item := &WorkItem{
		ID:        uuid.NewString(),
		Category:  category,
		SubjectID: subjectID,
		CreatedAt: now,
	}
	for _, c := range consumers {
		item.Trackers = append(item.Trackers, &Tracker{
			ID:           uuid.NewString(),
			ItemID:       item.ID,
			ConsumerName: c.Name(),
			Status:       StatusPending,
			UpdatedAt:    now,
		})
	}
	return item
}
