package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, ch <-chan T, n int) []T {
	t.Helper()
	out := make([]T, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timeout:
			t.Fatalf("timed out after %d of %d items", len(out), n)
		}
	}
	return out
}

// TestBroadcaster_orderAndFilter tests in-order delivery and filtering.
func TestBroadcaster_orderAndFilter(t *testing.T) {
	b := NewBroadcaster[int]()
	all, cancelAll := b.Subscribe(nil)
	defer cancelAll()
	even, cancelEven := b.Subscribe(func(v int) bool { return v%2 == 0 })
	defer cancelEven()

	for i := 0; i < 100; i++ {
		b.Publish(i)
	}

	got := collect(t, all, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
	evens := collect(t, even, 50)
	assert.Equal(t, 0, evens[0])
	assert.Equal(t, 98, evens[49])
}

// TestBroadcaster_slowReaderDoesNotBlock tests that publish never blocks.
func TestBroadcaster_slowReaderDoesNotBlock(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, cancel := b.Subscribe(nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an unread subscriber")
	}
	assert.Len(t, collect(t, ch, 10000), 10000)
}

// TestBroadcaster_cancel tests that cancel closes the channel.
func TestBroadcaster_cancel(t *testing.T) {
	b := NewBroadcaster[string]()
	ch, cancel := b.Subscribe(nil)
	require.Equal(t, 1, b.Len())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Len())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	b.Publish("dropped")
}

// TestBroadcaster_closeDrains tests that Close delivers queued items first.
func TestBroadcaster_closeDrains(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, _ := b.Subscribe(nil)

	b.Publish(1)
	b.Publish(2)
	b.Close()
	b.Publish(3)

	var got []int
	for v := range ch {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)

	late, _ := b.Subscribe(nil)
	_, ok := <-late
	assert.False(t, ok)
}
