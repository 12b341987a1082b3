// Package postgres provides the PostgreSQL implementation of the queue
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calegria/stashline/internal/procqueue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// runnerLockKey identifies the advisory lock guarding a runner pass.
// Arbitrary but stable: every process pointed at the same database
// competes for the same lock.
const runnerLockKey int64 = 825043317212158

// Repository implements procqueue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ExistsForSubject reports whether an outstanding work item already
// represents the (subject, category) pair.
func (r *Repository) ExistsForSubject(ctx context.Context, subjectID, category string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE subject_id = $1 AND category = $2)`,
		subjectID, category,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check work item existence: %w", err)
	}
	return exists, nil
}

// FindExistingSubjects returns the subset of subjectIDs that already have
// an outstanding work item for the category.
func (r *Repository) FindExistingSubjects(ctx context.Context, subjectIDs []string, category string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(subjectIDs) == 0 {
		return existing, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT subject_id FROM queue_items WHERE category = $1 AND subject_id = ANY($2)`,
		category, subjectIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("find existing subjects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var subjectID string
		if err := rows.Scan(&subjectID); err != nil {
			return nil, fmt.Errorf("scan subject id: %w", err)
		}
		existing[subjectID] = struct{}{}
	}
	return existing, rows.Err()
}

// InsertItems stores items with their trackers in one transaction.
// An item colliding with an existing (subject, category) row is skipped
// together with its trackers; the unique index keeps the dedup invariant
// correct under concurrent enqueue attempts.
func (r *Repository) InsertItems(ctx context.Context, items []*procqueue.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO queue_items (id, category, subject_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (subject_id, category) DO NOTHING
		`, item.ID, item.Category, item.SubjectID, item.CreatedAt)

		for _, t := range item.Trackers {
			// The WHERE EXISTS makes tracker inserts no-ops for items
			// skipped by the conflict clause above.
			batch.Queue(`
				INSERT INTO queue_trackers (id, item_id, consumer_name, status, updated_at)
				SELECT $1, $2, $3, $4, $5
				WHERE EXISTS (SELECT 1 FROM queue_items WHERE id = $2)
			`, t.ID, t.ItemID, t.ConsumerName, string(t.Status), t.UpdatedAt)
		}
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	var execErr error

results:
	for _, item := range items {
		tag, err := br.Exec()
		if err != nil {
			execErr = fmt.Errorf("insert work item: %w", err)
			break
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
		for range item.Trackers {
			if _, err := br.Exec(); err != nil {
				execErr = fmt.Errorf("insert tracker: %w", err)
				break results
			}
		}
	}

	if err := br.Close(); err != nil && execErr == nil {
		execErr = fmt.Errorf("close batch: %w", err)
	}
	if execErr != nil {
		return 0, execErr
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, nil
}

// NextBatch returns the oldest work items with their trackers attached,
// optionally filtered by category.
func (r *Repository) NextBatch(ctx context.Context, limit int, category string) ([]*procqueue.WorkItem, error) {
	query := `
		SELECT id, category, subject_id, attempts, created_at
		FROM queue_items
	`
	args := []any{limit}
	if category != "" {
		query += ` WHERE category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY created_at, id LIMIT $1`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch work items: %w", err)
	}
	defer rows.Close()

	items := make([]*procqueue.WorkItem, 0, limit)
	byID := make(map[string]*procqueue.WorkItem, limit)
	ids := make([]string, 0, limit)

	for rows.Next() {
		var item procqueue.WorkItem
		if err := rows.Scan(&item.ID, &item.Category, &item.SubjectID, &item.Attempts, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, &item)
		byID[item.ID] = &item
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	trackerRows, err := r.db.Query(ctx, `
		SELECT id, item_id, consumer_name, status, error_message, failed_at, updated_at
		FROM queue_trackers
		WHERE item_id = ANY($1)
		ORDER BY item_id, consumer_name
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch trackers: %w", err)
	}
	defer trackerRows.Close()

	for trackerRows.Next() {
		var t procqueue.Tracker
		var status string
		if err := trackerRows.Scan(&t.ID, &t.ItemID, &t.ConsumerName, &status, &t.ErrorMessage, &t.FailedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		t.Status = procqueue.TrackerStatus(status)
		if item, ok := byID[t.ItemID]; ok {
			item.Trackers = append(item.Trackers, &t)
		}
	}
	return items, trackerRows.Err()
}

// MarkTrackerActive transitions a pending tracker to active and counts
// the dispatch on the owning item's attempts counter.
func (r *Repository) MarkTrackerActive(ctx context.Context, trackerID, itemID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE queue_trackers
		SET status = 'active', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, trackerID)
	if err != nil {
		return fmt.Errorf("mark tracker active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return procqueue.ErrTrackerNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE queue_items SET attempts = attempts + 1 WHERE id = $1`,
		itemID,
	); err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CompleteTracker marks the tracker completed and deletes the owning
// item, cascading to its trackers, when no incomplete tracker remains.
func (r *Repository) CompleteTracker(ctx context.Context, trackerID, itemID string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE queue_trackers
		SET status = 'completed', error_message = '', failed_at = NULL, updated_at = now()
		WHERE id = $1
	`, trackerID)
	if err != nil {
		return false, fmt.Errorf("mark tracker completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, procqueue.ErrTrackerNotFound
	}

	deleteTag, err := tx.Exec(ctx, `
		DELETE FROM queue_items
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM queue_trackers
			WHERE item_id = $1 AND status <> 'completed'
		  )
	`, itemID)
	if err != nil {
		return false, fmt.Errorf("delete completed work item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return deleteTag.RowsAffected() > 0, nil
}

// FailTracker records a consumer failure. The owning item is retained.
func (r *Repository) FailTracker(ctx context.Context, trackerID, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE queue_trackers
		SET status = 'failed', error_message = $2, failed_at = now(), updated_at = now()
		WHERE id = $1
	`, trackerID, message)
	if err != nil {
		return fmt.Errorf("mark tracker failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return procqueue.ErrTrackerNotFound
	}
	return nil
}

// ReclaimStale resets trackers left active longer than olderThan back to
// pending, typically after a crashed runner.
func (r *Repository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.db.Exec(ctx, `
		UPDATE queue_trackers
		SET status = 'pending', updated_at = now()
		WHERE status = 'active' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale trackers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFailedTrackers returns failed trackers joined with their items,
// oldest failure first.
func (r *Repository) ListFailedTrackers(ctx context.Context, limit int) ([]*procqueue.FailedTracker, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.id, t.consumer_name, t.error_message, t.failed_at,
		       i.subject_id, i.category, i.attempts, i.created_at
		FROM queue_trackers t
		JOIN queue_items i ON i.id = t.item_id
		WHERE t.status = 'failed'
		ORDER BY t.failed_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed trackers: %w", err)
	}
	defer rows.Close()

	failed := make([]*procqueue.FailedTracker, 0)
	for rows.Next() {
		var ft procqueue.FailedTracker
		if err := rows.Scan(
			&ft.TrackerID,
			&ft.ConsumerName,
			&ft.ErrorMessage,
			&ft.FailedAt,
			&ft.SubjectID,
			&ft.Category,
			&ft.Attempts,
			&ft.EnqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed tracker: %w", err)
		}
		failed = append(failed, &ft)
	}
	return failed, rows.Err()
}

// ResetTracker returns a failed tracker to pending.
func (r *Repository) ResetTracker(ctx context.Context, trackerID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE queue_trackers
		SET status = 'pending', error_message = '', failed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, trackerID)
	if err != nil {
		return fmt.Errorf("reset tracker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return procqueue.ErrTrackerNotFound
	}
	return nil
}

// DeleteTracker removes a failed tracker, deleting the owning item when
// every remaining tracker is completed.
func (r *Repository) DeleteTracker(ctx context.Context, trackerID string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var itemID string
	err = tx.QueryRow(ctx,
		`DELETE FROM queue_trackers WHERE id = $1 AND status = 'failed' RETURNING item_id`,
		trackerID,
	).Scan(&itemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, procqueue.ErrTrackerNotFound
		}
		return false, fmt.Errorf("delete tracker: %w", err)
	}

	deleteTag, err := tx.Exec(ctx, `
		DELETE FROM queue_items
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM queue_trackers
			WHERE item_id = $1 AND status <> 'completed'
		  )
	`, itemID)
	if err != nil {
		return false, fmt.Errorf("delete work item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return deleteTag.RowsAffected() > 0, nil
}

// Stats returns queue depth counters.
func (r *Repository) Stats(ctx context.Context) (*procqueue.QueueStats, error) {
	stats := &procqueue.QueueStats{}

	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM queue_trackers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count trackers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan tracker count: %w", err)
		}
		switch procqueue.TrackerStatus(status) {
		case procqueue.StatusPending:
			stats.Pending = count
		case procqueue.StatusActive:
			stats.Active = count
		case procqueue.StatusCompleted:
			stats.Completed = count
		case procqueue.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracker counts: %w", err)
	}

	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM queue_items`).Scan(&stats.Items); err != nil {
		return nil, fmt.Errorf("count work items: %w", err)
	}
	return stats, nil
}

// AcquireRunnerLock try-acquires the advisory lock guarding a runner
// pass. The lock is session-scoped, so the connection is pinned until
// release is called.
func (r *Repository) AcquireRunnerLock(ctx context.Context) (func(), bool, error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, runnerLockKey).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock must run even when the pass's context is already gone.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, runnerLockKey); err != nil {
			slog.Error("failed to release runner lock", "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}
