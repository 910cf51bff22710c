package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmitter(t *testing.T) {
	e := NewEmitter[string](false)
	require.NotNil(t, e)
	assert.Equal(t, 0, e.ListenerCount())

	e2 := NewEmitter[int](true)
	require.NotNil(t, e2)
	assert.True(t, e2.replayLast)
}

func TestEmitter_SubscribeAndEmit(t *testing.T) {
	e := NewEmitter[int](false)

	var got []int
	unregister := e.Subscribe(func(v int) { got = append(got, v) })
	assert.Equal(t, 1, e.ListenerCount())

	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, []int{1, 2}, got)

	unregister()
	assert.Equal(t, 0, e.ListenerCount())

	e.Emit(3)
	assert.Equal(t, []int{1, 2}, got)
}

func TestEmitter_MultipleListeners(t *testing.T) {
	e := NewEmitter[string](false)

	var a, b []string
	e.Subscribe(func(v string) { a = append(a, v) })
	e.Subscribe(func(v string) { b = append(b, v) })
	assert.Equal(t, 2, e.ListenerCount())

	e.Emit("x")
	assert.Equal(t, []string{"x"}, a)
	assert.Equal(t, []string{"x"}, b)
}

func TestEmitter_SubscribeChan(t *testing.T) {
	e := NewEmitter[int](false)

	ch := make(chan int, 4)
	unregister := e.Subscribe(func(int) {})
	defer unregister()
	unregisterCh := e.SubscribeChan(ch)

	e.Emit(7)
	e.Emit(8)

	select {
	case v := <-ch:
		assert.Equal(t, 7, v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel delivery")
	}
	assert.Equal(t, 8, <-ch)

	unregisterCh()
	e.Emit(9)
	select {
	case v := <-ch:
		t.Errorf("unexpected value after unregister: %d", v)
	default:
	}
}

func TestEmitter_ChannelFullDoesNotBlock(t *testing.T) {
	e := NewEmitter[int](false)

	ch := make(chan int, 1)
	e.SubscribeChan(ch)

	done := make(chan struct{})
	go func() {
		e.Emit(1)
		e.Emit(2) // channel already full; must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full channel")
	}
	assert.Equal(t, 1, <-ch)
}

func TestEmitter_ReplayLast(t *testing.T) {
	e := NewEmitter[int](true)

	// No emit yet: late subscriber receives nothing.
	var early []int
	e.Subscribe(func(v int) { early = append(early, v) })
	assert.Empty(t, early)

	e.Emit(42)

	var late []int
	e.Subscribe(func(v int) { late = append(late, v) })
	assert.Equal(t, []int{42}, late)

	ch := make(chan int, 1)
	e.SubscribeChan(ch)
	assert.Equal(t, 42, <-ch)
}

func TestEmitter_NoReplayWhenDisabled(t *testing.T) {
	e := NewEmitter[int](false)
	e.Emit(42)

	var got []int
	e.Subscribe(func(v int) { got = append(got, v) })
	assert.Empty(t, got)
}

func TestEmitter_NilListenerPanics(t *testing.T) {
	e := NewEmitter[int](false)
	assert.Panics(t, func() { e.Subscribe(nil) })
	assert.Panics(t, func() { e.SubscribeChan(nil) })
}

func TestEmitter_ConcurrentEmit(t *testing.T) {
	e := NewEmitter[int](true)

	var mu sync.Mutex
	count := 0
	e.Subscribe(func(int) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(v)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1000, count)
}

func TestEmitter_ListenerMayReenter(t *testing.T) {
	e := NewEmitter[int](false)

	var got []int
	e.Subscribe(func(v int) {
		got = append(got, v)
		if v == 1 {
			// Re-entrancy from inside a callback must not deadlock.
			e.ListenerCount()
		}
	})
	e.Emit(1)
	assert.Equal(t, []int{1}, got)
}
