package procqueue

import (
	"context"
	"time"
)

// Repository defines the interface for queue data access.
type Repository interface {
	// Enqueue path
	ExistsForSubject(ctx context.Context, subjectID, category string) (bool, error)
	FindExistingSubjects(ctx context.Context, subjectIDs []string, category string) (map[string]struct{}, error)
	// InsertItems stores items with their trackers in one transaction and
	// returns how many items were actually inserted. Items that collide
	// with an existing (subject, category) row are skipped.
	InsertItems(ctx context.Context, items []*WorkItem) (int, error)

	// Dispatch path
	NextBatch(ctx context.Context, limit int, category string) ([]*WorkItem, error)
	MarkTrackerActive(ctx context.Context, trackerID, itemID string) error
	// CompleteTracker marks the tracker completed and deletes the owning
	// item when no other tracker remains incomplete. Reports whether the
	// item was deleted.
	CompleteTracker(ctx context.Context, trackerID, itemID string) (itemDeleted bool, err error)
	FailTracker(ctx context.Context, trackerID, message string) error
	// ReclaimStale resets trackers left active longer than olderThan back
	// to pending and returns the number reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// Operator surface
	ListFailedTrackers(ctx context.Context, limit int) ([]*FailedTracker, error)
	ResetTracker(ctx context.Context, trackerID string) error
	DeleteTracker(ctx context.Context, trackerID string) (itemDeleted bool, err error)
	Stats(ctx context.Context) (*QueueStats, error)

	// AcquireRunnerLock try-acquires the process-wide runner mutex without
	// blocking. When acquired, release must be called on every exit path.
	AcquireRunnerLock(ctx context.Context) (release func(), acquired bool, err error)
}
