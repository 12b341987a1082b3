package procqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_DuplicateName(t *testing.T) {
	_, err := NewRegistry(
		okConsumer("price-updated", "trend"),
		okConsumer("item-created", "trend"),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate consumer name "trend"`)
}

func TestNewRegistry_EmptyName(t *testing.T) {
	_, err := NewRegistry(okConsumer("price-updated", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty name")
}

func TestRegistry_ConsumersFor(t *testing.T) {
	registry, err := NewRegistry(
		okConsumer("price-updated", "trend"),
		okConsumer("price-updated", "anomaly"),
		okConsumer("item-created", "trend-seed"),
	)
	require.NoError(t, err)

	priceConsumers := registry.ConsumersFor("price-updated")
	require.Len(t, priceConsumers, 2)
	// Registration order is preserved.
	assert.Equal(t, "trend", priceConsumers[0].Name())
	assert.Equal(t, "anomaly", priceConsumers[1].Name())

	assert.Len(t, registry.ConsumersFor("item-created"), 1)
	assert.Empty(t, registry.ConsumersFor("item-archived"))
	assert.Equal(t, 3, registry.Len())
}

func TestRegistry_Lookup(t *testing.T) {
	registry, err := NewRegistry(okConsumer("price-updated", "trend"))
	require.NoError(t, err)

	consumer, ok := registry.Lookup("trend")
	require.True(t, ok)
	assert.Equal(t, "trend", consumer.Name())
	assert.Equal(t, "price-updated", consumer.Category())

	_, ok = registry.Lookup("anomaly")
	assert.False(t, ok)
}
