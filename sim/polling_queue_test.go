package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPollingLinkQueue_OrdersByDeliveryTime verifies readiness ordering.
func TestPollingLinkQueue_OrdersByDeliveryTime(t *testing.T) {
	seq := &Sequencer{}
	pq := NewPollingLinkQueue()

	for _, at := range []SimTime{25, 5, 15} {
		require.NoError(t, pq.Insert(testEvent(seq, at, PriorityEvent)))
	}

	var got []SimTime
	for !pq.Empty() {
		got = append(got, pq.Pop().DeliveryTime())
	}
	assert.Equal(t, []SimTime{5, 15, 25}, got)
}

// TestPollingLinkQueue_SameCycleIsInsertionOrder verifies that priority
// never reorders a polled link; same-cycle items come out as inserted.
func TestPollingLinkQueue_SameCycleIsInsertionOrder(t *testing.T) {
	seq := &Sequencer{}
	pq := NewPollingLinkQueue()

	first := testEvent(seq, 10, PriorityStop)
	second := testEvent(seq, 10, PrioritySync)
	require.NoError(t, pq.Insert(first))
	require.NoError(t, pq.Insert(second))

	assert.Same(t, first, pq.Pop())
	assert.Same(t, second, pq.Pop())
}

// TestPollingLinkQueue_OrderedLeavesQueueIntact verifies the checkpoint
// snapshot is non-destructive.
func TestPollingLinkQueue_OrderedLeavesQueueIntact(t *testing.T) {
	seq := &Sequencer{}
	pq := NewPollingLinkQueue()

	for _, at := range []SimTime{20, 10, 30} {
		require.NoError(t, pq.Insert(testEvent(seq, at, PriorityEvent)))
	}

	snap := pq.Ordered()
	require.Len(t, snap, 3)
	assert.Equal(t, SimTime(10), snap[0].DeliveryTime())
	assert.Equal(t, SimTime(30), snap[2].DeliveryTime())
	assert.Equal(t, 3, pq.Size())
}
