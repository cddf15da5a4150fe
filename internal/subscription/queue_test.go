package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue[string]()

	for _, v := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(v))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := newQueue[int]()
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(1))
	assert.True(t, q.Drained())
}

func TestQueue_CloseKeepsQueuedItems(t *testing.T) {
	q := newQueue[int]()
	q.Enqueue(1)
	q.Close()

	assert.False(t, q.Drained())
	v, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, q.Drained())
}

func TestQueue_WaitSignalsEnqueue(t *testing.T) {
	q := newQueue[int]()

	done := make(chan int)
	go func() {
		<-q.Wait()
		v, _ := q.TryDequeue()
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
}

func TestQueue_CloseWakesAllWaiters(t *testing.T) {
	q := newQueue[int]()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-q.Wait()
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("close did not wake every waiter")
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := newQueue[int]()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
}
