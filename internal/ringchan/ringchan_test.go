package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDropsOldest(t *testing.T) {
	// GOAL: Verify a full channel keeps the newest items in send order
	//
	// TEST SCENARIO: Capacity 3, send 0..9 → reader sees 7,8,9 → 7 overwritten
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		require.True(t, rc.Send(i))
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got, "only the last items MUST survive")

	m := rc.Metrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestTrySendAndReceive(t *testing.T) {
	rc := New[string](1)
	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"), "TrySend MUST NOT overwrite")
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())

	v, ok := rc.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = rc.TryReceive()
	assert.False(t, ok, "empty channel MUST NOT block nor yield a value")

	m := rc.Metrics()
	assert.Equal(t, int64(1), m.Processed)
	assert.Equal(t, int64(1), m.Rejected)
}

func TestClose(t *testing.T) {
	// GOAL: Verify closing keeps buffered items and rejects later sends without panicking
	//
	// TEST SCENARIO: Send 1 → Close twice → Send fails → Receive yields 1 then ok=false
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(2), "send after close MUST be rejected")
	assert.False(t, rc.TrySend(3))

	v, ok := rc.Receive()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = rc.Receive()
	assert.False(t, ok, "drained closed channel MUST report closed")
}

func TestConcurrentProducersNeverBlock(t *testing.T) {
	rc := New[int](4)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, rc.Len(), "buffer MUST stay bounded")
	m := rc.Metrics()
	assert.Equal(t, int64(4000), m.Written)
	assert.Equal(t, m.Written-int64(rc.Len()), m.Overwritten, "every item MUST be either buffered or overwritten")
}

func TestZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
