package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendEvictsOldestWhenFull(t *testing.T) {
	r := New[int](2)

	assert.False(t, r.Send(1))
	assert.False(t, r.Send(2))
	assert.True(t, r.Send(3), "full buffer MUST report the eviction")

	v, ok := r.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 2, v, "oldest element is the one discarded")
	v, _ = r.TryReceive()
	assert.Equal(t, 3, v)
	assert.Equal(t, int64(1), r.Dropped())
}

func TestTrySendRespectsCapacity(t *testing.T) {
	r := New[string](1)

	assert.True(t, r.TrySend("a"))
	assert.False(t, r.TrySend("b"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.Cap())
	assert.Equal(t, int64(0), r.Dropped())
}

func TestTryReceiveOnEmpty(t *testing.T) {
	r := New[int](1)

	_, ok := r.TryReceive()
	assert.False(t, ok)
}

func TestCloseEndsRange(t *testing.T) {
	r := New[int](4)
	r.Send(1)
	r.Send(2)
	r.Close()

	var got []int
	for v := range r.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
