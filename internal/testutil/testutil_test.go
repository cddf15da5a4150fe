package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now())

	target := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)
	assert.Equal(t, target, c.Now())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("job")

	assert.Equal(t, "job-1", g.Generate())
	assert.Equal(t, "job-2", g.Generate())

	g.Reset()
	assert.Equal(t, "job-1", g.Generate())
	assert.Equal(t, "id-1", NewSequenceGenerator("").Generate())
}

func TestSequenceGenerator_Concurrent(t *testing.T) {
	g := NewSequenceGenerator("x")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
}
