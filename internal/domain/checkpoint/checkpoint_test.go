package checkpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckpoint_Advance(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("moves forward for later timestamps", func(t *testing.T) {
		c := New(start)
		assert.True(t, c.Advance(start.Add(time.Minute)))
		assert.Equal(t, start.Add(time.Minute).Unix(), c.Seconds())
	})

	t.Run("never moves backwards", func(t *testing.T) {
		c := New(start)
		c.Advance(start.Add(time.Minute))
		assert.False(t, c.Advance(start.Add(30*time.Second)))
		assert.Equal(t, start.Add(time.Minute).Unix(), c.Seconds())
	})

	t.Run("is idempotent for equal timestamps", func(t *testing.T) {
		c := New(start)
		assert.False(t, c.Advance(start))
		assert.Equal(t, start.Unix(), c.Seconds())
	})

	t.Run("sub-second differences do not move the value", func(t *testing.T) {
		c := New(start)
		assert.False(t, c.Advance(start.Add(500*time.Millisecond)))
	})

	t.Run("concurrent advances settle on the latest value", func(t *testing.T) {
		c := New(start)
		var wg sync.WaitGroup
		for i := 1; i <= 50; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Advance(start.Add(time.Duration(i) * time.Second))
			}()
		}
		wg.Wait()
		assert.Equal(t, start.Add(50*time.Second).Unix(), c.Seconds())
	})
}
