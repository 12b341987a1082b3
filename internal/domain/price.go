package domain

import "time"

// PricePoint is one observed market price for an item.
type PricePoint struct {
	ItemID     string
	Price      float64
	ObservedAt time.Time
}

// TrendSnapshot is the rolling price summary maintained per item by the
// trend consumer.
type TrendSnapshot struct {
	ItemID      string
	AvgPrice7d  float64
	AvgPrice30d float64
	SampleCount int
	RefreshedAt time.Time
}

// PriceAlert records a price observation deviating from its baseline
// beyond the configured threshold.
type PriceAlert struct {
	ID            string
	ItemID        string
	ObservedPrice float64
	BaselinePrice float64
	Deviation     float64
	CreatedAt     time.Time
}
