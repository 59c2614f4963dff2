package wsclient

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoffCeiling(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

	assert.Equal(t, 500*time.Millisecond, b.Ceiling(0))
	assert.Equal(t, time.Second, b.Ceiling(1))
	assert.Equal(t, 16*time.Second, b.Ceiling(5))
	assert.Equal(t, 30*time.Second, b.Ceiling(6))
	assert.Equal(t, 30*time.Second, b.Ceiling(5000))
	assert.Equal(t, 500*time.Millisecond, b.Ceiling(-3))

	assert.Equal(t, 250*time.Millisecond, b.Delay(0, 0))
	assert.Equal(t, 500*time.Millisecond, b.Delay(0, 1))
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

	properties.Property("delay stays within half and full ceiling", prop.ForAll(
		func(attempt int, r float64) bool {
			d := b.Delay(attempt, r)
			ceiling := b.Ceiling(attempt)
			return d >= ceiling/2 && d <= ceiling && d <= b.Max
		},
		gen.IntRange(0, 200),
		gen.Float64Range(0, 1),
	))

	properties.Property("ceiling never decreases", prop.ForAll(
		func(attempt int) bool {
			return b.Ceiling(attempt+1) >= b.Ceiling(attempt)
		},
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
