package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviation(t *testing.T) {
	tests := []struct {
		name     string
		observed float64
		baseline float64
		expected float64
	}{
		{"no change", 100, 100, 0},
		{"fifty percent up", 150, 100, 0.5},
		{"fifty percent down", 50, 100, -0.5},
		{"zero baseline", 100, 0, 0},
		{"small move", 102, 100, 0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Deviation(tt.observed, tt.baseline), 1e-9)
		})
	}
}

func TestNewConsumerThresholdFallback(t *testing.T) {
	c := NewConsumer(nil, 0)
	assert.Equal(t, DefaultThreshold, c.threshold)

	c = NewConsumer(nil, 0.4)
	assert.Equal(t, 0.4, c.threshold)
}
