package atomic_clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Parallel()

	var c Clock
	assert.True(t, c.IsZero())
	assert.True(t, c.Time().IsZero())
	assert.Equal(t, time.Duration(-1), c.Since())

	tim := time.Unix(1700000000, 123)
	c.SetTime(tim)
	assert.False(t, c.IsZero())
	assert.Equal(t, tim.UnixNano(), c.UnixNano())
	assert.True(t, tim.Equal(c.Time()))

	const delta = 100 * time.Millisecond
	c.SetNow()
	assert.InDelta(t, time.Now().UnixNano(), c.UnixNano(), float64(delta))
	since := c.Since()
	assert.True(t, since >= 0 && since < delta, "since=%v", since)
}
