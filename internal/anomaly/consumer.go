// Package anomaly hosts the queue consumer that flags suspicious price
// movements.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/calegria/stashline/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultThreshold is the relative deviation from the 30-day baseline
// that raises an alert.
const DefaultThreshold = 0.25

// minSamples is the smallest baseline the detector trusts. Items with
// fewer observations are skipped rather than flagged on noise.
const minSamples = 5

// Consumer compares the latest observed price against the item's 30-day
// baseline and records an alert when the deviation crosses the threshold.
type Consumer struct {
	db        *pgxpool.Pool
	threshold float64
}

// NewConsumer creates the anomaly consumer. A non-positive threshold
// falls back to DefaultThreshold.
func NewConsumer(db *pgxpool.Pool, threshold float64) *Consumer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Consumer{db: db, threshold: threshold}
}

// Name implements procqueue.Consumer.
func (c *Consumer) Name() string { return "anomaly" }

// Category implements procqueue.Consumer.
func (c *Consumer) Category() string { return domain.CategoryPriceUpdated }

// Process implements procqueue.Consumer.
func (c *Consumer) Process(ctx context.Context, subjectID string) error {
	var latest float64
	err := c.db.QueryRow(ctx, `
		SELECT price FROM price_points
		WHERE item_id = $1::uuid
		ORDER BY observed_at DESC
		LIMIT 1
	`, subjectID).Scan(&latest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No observations yet, nothing to compare against.
			return nil
		}
		return fmt.Errorf("latest price: %w", err)
	}

	var baseline float64
	var samples int
	err = c.db.QueryRow(ctx, `
		SELECT coalesce(avg(price), 0), count(*)
		FROM price_points
		WHERE item_id = $1::uuid AND observed_at > now() - interval '30 days'
	`, subjectID).Scan(&baseline, &samples)
	if err != nil {
		return fmt.Errorf("baseline price: %w", err)
	}
	if samples < minSamples {
		return nil
	}

	dev := Deviation(latest, baseline)
	if math.Abs(dev) < c.threshold {
		return nil
	}

	alert := domain.PriceAlert{
		ID:            uuid.NewString(),
		ItemID:        subjectID,
		ObservedPrice: latest,
		BaselinePrice: baseline,
		Deviation:     dev,
	}
	if _, err := c.db.Exec(ctx, `
		INSERT INTO price_alerts (id, item_id, observed_price, baseline_price, deviation)
		VALUES ($1, $2::uuid, $3, $4, $5)
	`, alert.ID, alert.ItemID, alert.ObservedPrice, alert.BaselinePrice, alert.Deviation); err != nil {
		return fmt.Errorf("record price alert: %w", err)
	}
	return nil
}

// Deviation returns the relative deviation of observed from baseline.
// A zero baseline yields zero rather than a division blow-up.
func Deviation(observed, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (observed - baseline) / baseline
}
