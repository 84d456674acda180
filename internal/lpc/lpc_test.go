package lpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictZeroCoefficients(t *testing.T) {
	coeffs := make([]float64, Order)
	history := []float64{1, -2, 3, 400, -5000, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	assert.Equal(t, 0.0, Predict(coeffs, history))
}

func TestPredictNegatedDotProduct(t *testing.T) {
	coeffs := make([]float64, Order)
	coeffs[0] = -0.9
	coeffs[1] = 0.5
	history := make([]float64, Order)
	history[0] = 100
	history[1] = 10
	assert.InDelta(t, 85.0, Predict(coeffs, history), 1e-12)
}

func TestPredictShortHistory(t *testing.T) {
	assert.Equal(t, -2.0, Predict([]float64{1, 1, 1}, []float64{2}))
}

func TestBufferHistoryIsReversedAndZeroPadded(t *testing.T) {
	b := NewBuffer(8)
	for k := 0; k < 8; k++ {
		b.Set(k, float64(k+1))
	}
	dst := make([]float64, 4)
	assert.Equal(t, []float64{5, 4, 3, 2}, b.History(dst, 5))
	assert.Equal(t, []float64{2, 1, 0, 0}, b.History(dst, 2))
	assert.Equal(t, []float64{0, 0, 0, 0}, b.History(dst, 0))
}

func TestBufferClone(t *testing.T) {
	b := NewBuffer(3)
	b.Set(1, 7)
	c := b.Clone()
	c.Set(1, 9)
	require.Equal(t, 7.0, b.At(1))
	require.Equal(t, 9.0, c.At(1))
	assert.Equal(t, 3, c.Len())
}
