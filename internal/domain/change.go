// Package domain contains the core types of the inventory tracker shared
// across features.
package domain

// Well-known change categories reported by ingestion jobs. The queue
// itself treats categories as opaque strings; this list is only the set
// the bundled consumers subscribe to.
const (
	CategoryItemCreated  = "item-created"
	CategoryPriceUpdated = "price-updated"
)
