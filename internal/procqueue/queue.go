// Package procqueue implements the persistent work queue that decouples
// catalog ingestion events from the asynchronous consumers that react to
// them. Every registered consumer for an event category gets its own
// completion tracker, so one consumer's failure never hides another's
// success. Completed work items are deleted; only outstanding or failed
// work occupies storage.
package procqueue

import "time"

// TrackerStatus represents the status of a completion tracker.
type TrackerStatus string

// Tracker statuses.
const (
	StatusPending   TrackerStatus = "pending"
	StatusActive    TrackerStatus = "active"
	StatusCompleted TrackerStatus = "completed"
	StatusFailed    TrackerStatus = "failed"
)

// WorkItem records that a subject needs processing for one category of
// change. At most one item exists per (subject, category) pair until
// every tracker completes and the item is deleted.
type WorkItem struct {
	ID        string
	Category  string
	SubjectID string
	Attempts  int
	CreatedAt time.Time
	Trackers  []*Tracker
}

// PendingTrackers returns the trackers still waiting to be dispatched.
func (w *WorkItem) PendingTrackers() []*Tracker {
	pending := make([]*Tracker, 0, len(w.Trackers))
	for _, t := range w.Trackers {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	return pending
}

// Tracker is the per-consumer progress record of a work item.
type Tracker struct {
	ID           string
	ItemID       string
	ConsumerName string
	Status       TrackerStatus
	ErrorMessage string
	FailedAt     *time.Time
	UpdatedAt    time.Time
}

// FailedTracker is the operator-facing view of a failed tracker joined
// with its work item.
type FailedTracker struct {
	TrackerID    string    `json:"tracker_id"`
	ConsumerName string    `json:"consumer"`
	SubjectID    string    `json:"subject_id"`
	Category     string    `json:"category"`
	ErrorMessage string    `json:"error"`
	FailedAt     time.Time `json:"failed_at"`
	Attempts     int       `json:"attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// QueueStats holds queue depth counters.
type QueueStats struct {
	Items     int64 `json:"items"`
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
