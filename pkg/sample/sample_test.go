package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_TrimsByAge(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	h := NewHistory(10 * time.Second)

	for i := 0; i < 30; i++ {
		h.Add(Sample{Timestamp: start.Add(time.Duration(i) * time.Second), Weight: float32(i)})
	}

	samples := h.Samples(0)
	require.Len(t, samples, 10)
	assert.Equal(t, float32(20), samples[0].Weight)
	assert.Equal(t, float32(29), samples[9].Weight)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, float32(29), last.Weight)
}

func TestHistory_ZeroWindowKeepsAll(t *testing.T) {
	start := time.Unix(0, 0)
	h := NewHistory(0)
	for i := 0; i < 50; i++ {
		h.Add(Sample{Timestamp: start.Add(time.Duration(i) * time.Hour)})
	}
	assert.Equal(t, 50, h.Len())
}

func TestHistory_Decimated(t *testing.T) {
	start := time.Unix(0, 0)
	h := NewHistory(time.Hour)
	for i := 0; i < 100; i++ {
		h.Add(Sample{Timestamp: start.Add(time.Duration(i) * time.Second), Weight: float32(i)})
	}

	samples := h.Samples(20)
	assert.Len(t, samples, 20)
	assert.Equal(t, float32(0), samples[0].Weight)

	// Returned slices are copies.
	samples[0].Weight = -1
	assert.Equal(t, float32(0), h.Samples(0)[0].Weight)
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(time.Minute)
	_, ok := h.Last()
	assert.False(t, ok)
	assert.Empty(t, h.Samples(10))
}
