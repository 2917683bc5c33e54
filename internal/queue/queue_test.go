package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("low", 3)
	pq.Enqueue("high", 0)
	pq.Enqueue("mid", 1)

	assert.Equal(t, []string{"high", "mid", "low"}, pq.DequeueAll())
}

func TestFIFOWithinPriority(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("first", 1)
	pq.Enqueue("second", 1)
	pq.Enqueue("third", 1)

	assert.Equal(t, []string{"first", "second", "third"}, pq.DequeueAll())
}

func TestDequeueEmpty(t *testing.T) {
	pq := NewPriorityQueue[int]()

	value, ok := pq.Dequeue()
	assert.False(t, ok)
	assert.Zero(t, value)
}

func TestLenTracksContents(t *testing.T) {
	pq := NewPriorityQueue[int]()
	assert.Equal(t, 0, pq.Len())

	pq.Enqueue(1, 0)
	pq.Enqueue(2, 0)
	require.Equal(t, 2, pq.Len())

	pq.Dequeue()
	assert.Equal(t, 1, pq.Len())
}
