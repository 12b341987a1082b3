// Package ingestion is the producer-side adapter of the process queue.
// Import jobs call it after they have determined which subjects changed;
// change detection and catalog parsing live outside this service.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/calegria/stashline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the slice of the queue service ingestion depends on.
type Queue interface {
	EnqueueBulk(ctx context.Context, subjectIDs []string, category string) (int, error)
}

// Service turns ingestion results into queued work.
type Service struct {
	db    *pgxpool.Pool
	queue Queue
}

// NewService creates a new ingestion service.
func NewService(db *pgxpool.Pool, queue Queue) *Service {
	return &Service{db: db, queue: queue}
}

// SubjectsChanged enqueues the changed subjects for the category and
// returns how many work items were created. A storage failure here is a
// hard failure for the caller: better to fail the ingestion run than to
// silently under-populate the queue.
func (s *Service) SubjectsChanged(ctx context.Context, category string, subjectIDs []string) (int, error) {
	enqueued, err := s.queue.EnqueueBulk(ctx, subjectIDs, category)
	if err != nil {
		return enqueued, fmt.Errorf("enqueue changed subjects: %w", err)
	}
	return enqueued, nil
}

// RecordPrices stores a batch of observed prices and enqueues the
// affected items for price-updated processing.
func (s *Service) RecordPrices(ctx context.Context, points []domain.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		observedAt := p.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO price_points (item_id, price, observed_at) VALUES ($1::uuid, $2, $3)`,
			p.ItemID, p.Price, observedAt,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	var execErr error
	for range points {
		if _, err := br.Exec(); err != nil {
			execErr = fmt.Errorf("insert price point: %w", err)
			break
		}
	}
	if err := br.Close(); err != nil && execErr == nil {
		execErr = fmt.Errorf("close batch: %w", err)
	}
	if execErr != nil {
		return 0, execErr
	}

	changed := make([]string, 0, len(points))
	seen := make(map[string]struct{}, len(points))
	for _, p := range points {
		if _, ok := seen[p.ItemID]; ok {
			continue
		}
		seen[p.ItemID] = struct{}{}
		changed = append(changed, p.ItemID)
	}

	enqueued, err := s.SubjectsChanged(ctx, domain.CategoryPriceUpdated, changed)
	if err != nil {
		return 0, err
	}

	slog.Info("price batch recorded",
		"points", len(points),
		"items", len(changed),
		"enqueued", enqueued,
	)
	return enqueued, nil
}
