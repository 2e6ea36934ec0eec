package syncgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInitialNext(t *testing.T) {
	tests := []struct {
		name     string
		burnIn   float64
		interval float64
		want     float64
	}{
		{"no burn-in", 0, 5, 5},
		{"burn-in shorter than interval", 3, 5, 5},
		{"burn-in longer than interval", 12, 5, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.burnIn, tt.interval)
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.Next())
			assert.Equal(t, 0, g.Rounds())
		})
	}
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	for _, interval := range []float64{0, -1} {
		_, err := New(0, interval)
		assert.ErrorIs(t, err, ErrInvalidInterval)
	}
}

func TestEvaluate(t *testing.T) {
	g, err := New(0, 10)
	require.NoError(t, err)

	assert.Equal(t, Waiting, g.Evaluate(nil), "empty population never fires")
	assert.Equal(t, Waiting, g.Evaluate([]float64{10, 9.99}))
	assert.Equal(t, Ready, g.Evaluate([]float64{10, 10}))
	assert.Equal(t, Ready, g.Evaluate([]float64{11, 25}))
}

func TestAdvanceStrictlyIncreases(t *testing.T) {
	g, err := New(0, 10)
	require.NoError(t, err)

	prev, next := g.Advance(10)
	assert.Equal(t, 10.0, prev)
	assert.Equal(t, 20.0, next)

	// A straggler far ahead pushes the barrier past next+interval
	prev, next = g.Advance(47)
	assert.Equal(t, 20.0, prev)
	assert.Equal(t, 47.0, next)
	assert.Equal(t, 2, g.Rounds())

	for i := 0; i < 10; i++ {
		before := g.Next()
		g.Advance(0)
		assert.Greater(t, g.Next(), before)
	}
	assert.Equal(t, Waiting, g.Evaluate([]float64{47}))
}

func TestRestoreOnlyMovesForward(t *testing.T) {
	g, err := New(0, 5)
	require.NoError(t, err)

	g.Restore(30, 4)
	assert.Equal(t, 30.0, g.Next())
	assert.Equal(t, 4, g.Rounds())

	g.Restore(1, 4)
	assert.Equal(t, 30.0, g.Next())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "READY", Ready.String())
	assert.Equal(t, "WAITING", Waiting.String())
}
