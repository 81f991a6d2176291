package trace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecorder() *Recorder {
	r := NewRecorder()
	r.Record(Dispatch{Time: 5, Kind: "event", LinkID: 1, Priority: 50, Sequence: 2, Payload: "ping"})
	r.Record(Dispatch{Time: 10, Kind: "clock", Priority: 40, Sequence: 3})
	r.Record(Dispatch{Time: 10, Kind: "event", LinkID: 2, Priority: 50, Sequence: 4})
	r.Record(Dispatch{Time: 20, Kind: "stop", Priority: 98, Sequence: 5})
	return r
}

// TestRecorder_EventsFiltersKinds verifies Events drops non-event
// dispatches and keeps execution order.
func TestRecorder_EventsFiltersKinds(t *testing.T) {
	r := sampleRecorder()
	events := r.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].LinkID)
	assert.Equal(t, uint64(2), events[1].LinkID)
}

// TestRecorder_SinceIsInclusive verifies the cycle cut keeps dispatches at
// the boundary.
func TestRecorder_SinceIsInclusive(t *testing.T) {
	r := sampleRecorder()
	tail := r.Since(10)
	require.Len(t, tail, 3)
	assert.Equal(t, uint64(10), tail[0].Time)

	assert.Empty(t, r.Since(21))
	assert.Len(t, r.Since(0), 4)
}

// TestRecorder_StringFormat pins the line rendering the golden tests
// compare.
func TestRecorder_StringFormat(t *testing.T) {
	r := sampleRecorder()
	want := "t=5 event link=1 prio=50 payload=ping\n" +
		"t=10 clock prio=40\n" +
		"t=10 event link=2 prio=50\n" +
		"t=20 stop prio=98\n"
	assert.Equal(t, want, r.String())
}

// TestRecorder_CanonicalJSONRoundtrips verifies the JSON form decodes back
// to the same dispatches.
func TestRecorder_CanonicalJSONRoundtrips(t *testing.T) {
	r := sampleRecorder()
	data, err := r.CanonicalJSON()
	require.NoError(t, err)

	var got []Dispatch
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r.Dispatches, got)
}
