package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSyncQueue_PreservesSenderOrder verifies the buffer is FIFO even when
// delivery times are not monotonic.
func TestSyncQueue_PreservesSenderOrder(t *testing.T) {
	seq := &Sequencer{}
	sq := NewSyncQueue()

	first := testEvent(seq, 30, PriorityEvent)
	second := testEvent(seq, 10, PriorityEvent)
	require.NoError(t, sq.Insert(first))
	require.NoError(t, sq.Insert(second))

	assert.Same(t, first, sq.Front())
	assert.Same(t, first, sq.Pop())
	assert.Same(t, second, sq.Pop())
	assert.Nil(t, sq.Pop())
}

// TestSyncQueue_ClearEmptiesAfterExchange verifies Vector/Clear used by the
// barrier exchange.
func TestSyncQueue_ClearEmptiesAfterExchange(t *testing.T) {
	seq := &Sequencer{}
	sq := NewSyncQueue()

	require.NoError(t, sq.Insert(testEvent(seq, 5, PriorityEvent)))
	require.NoError(t, sq.Insert(testEvent(seq, 6, PriorityEvent)))
	assert.Len(t, sq.Vector(), 2)

	sq.Clear()
	assert.True(t, sq.Empty())
	assert.Equal(t, 0, sq.Size())
}
