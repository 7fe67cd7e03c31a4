package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoff_DoublesUpToMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, backoffMax, d, "backoff must saturate at backoffMax rather than grow unbounded")
}

func TestNextBackoff_GrowsByFactor(t *testing.T) {
	got := nextBackoff(time.Second)
	assert.Equal(t, time.Duration(float64(time.Second)*backoffFactor), got)
}

func TestJitter_StaysWithinFraction(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 50; i++ {
		j := jitter(d)
		delta := float64(jitterFraction) * float64(d)
		assert.InDelta(t, float64(d), float64(j), delta, "jittered duration must stay within jitterFraction of the input")
	}
}
