// Package trend hosts the queue consumers that maintain per-item price
// trend snapshots.
package trend

import (
	"context"
	"fmt"

	"github.com/calegria/stashline/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Consumer refreshes an item's trend snapshot whenever its price changes.
type Consumer struct {
	db *pgxpool.Pool
}

// NewConsumer creates the price-update trend consumer.
func NewConsumer(db *pgxpool.Pool) *Consumer {
	return &Consumer{db: db}
}

// Name implements procqueue.Consumer.
func (c *Consumer) Name() string { return "trend" }

// Category implements procqueue.Consumer.
func (c *Consumer) Category() string { return domain.CategoryPriceUpdated }

// Process recomputes the rolling averages for the item from its recorded
// price points and upserts the snapshot row.
func (c *Consumer) Process(ctx context.Context, subjectID string) error {
	return refreshSnapshot(ctx, c.db, subjectID)
}

// SeedConsumer creates the initial, empty trend snapshot for an item the
// moment it appears in the catalog, so price displays never miss a row.
type SeedConsumer struct {
	db *pgxpool.Pool
}

// NewSeedConsumer creates the item-created trend consumer.
func NewSeedConsumer(db *pgxpool.Pool) *SeedConsumer {
	return &SeedConsumer{db: db}
}

// Name implements procqueue.Consumer.
func (c *SeedConsumer) Name() string { return "trend-seed" }

// Category implements procqueue.Consumer.
func (c *SeedConsumer) Category() string { return domain.CategoryItemCreated }

// Process implements procqueue.Consumer.
func (c *SeedConsumer) Process(ctx context.Context, subjectID string) error {
	return refreshSnapshot(ctx, c.db, subjectID)
}

func refreshSnapshot(ctx context.Context, db *pgxpool.Pool, itemID string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO item_trends (item_id, avg_price_7d, avg_price_30d, sample_count, refreshed_at)
		SELECT $1::uuid,
		       coalesce(avg(price) FILTER (WHERE observed_at > now() - interval '7 days'), 0),
		       coalesce(avg(price) FILTER (WHERE observed_at > now() - interval '30 days'), 0),
		       count(*),
		       now()
		FROM price_points
		WHERE item_id = $1::uuid
		ON CONFLICT (item_id) DO UPDATE SET
			avg_price_7d = EXCLUDED.avg_price_7d,
			avg_price_30d = EXCLUDED.avg_price_30d,
			sample_count = EXCLUDED.sample_count,
			refreshed_at = EXCLUDED.refreshed_at
	`, itemID)
	if err != nil {
		return fmt.Errorf("refresh trend snapshot: %w", err)
	}
	return nil
}
