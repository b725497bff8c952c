package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	s := NewStats()
	assert.Equal(t, time.Duration(0), s.Average())

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(d time.Duration) {
			defer wg.Done()
			s.Update(d)
			s.AddRetry()
		}(time.Duration(i) * time.Second)
	}
	wg.Wait()

	assert.Equal(t, int64(4), s.FinishedCount())
	assert.Equal(t, int64(4), s.RetryCount())
	assert.Equal(t, 10*time.Second, s.TotalDuration())
	assert.Equal(t, 2500*time.Millisecond, s.Average())
}
