package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	q.Put(1)
	q.Put(2)
	q.Put(3)
	assert.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		got, ok := q.Fetch(time.Second)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueFetchTimesOut(t *testing.T) {
	q := NewQueue[string]()

	start := time.Now()
	_, ok := q.Fetch(20 * time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueFetchWakesOnPut(t *testing.T) {
	q := NewQueue[string]()

	done := make(chan string, 1)
	go func() {
		item, ok := q.Fetch(5 * time.Second)
		if ok {
			done <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put("hello")

	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("fetch never woke up")
	}
}

func TestQueuePutAfterCloseIsDropped(t *testing.T) {
	q := NewQueue[int]()
	q.Put(1)
	q.Close()
	q.Put(2)

	// pending items stay fetchable after close
	got, ok := q.Fetch(time.Second)
	require.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = q.Fetch(20 * time.Millisecond)
	assert.False(t, ok)
}
