package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l, cancel
}

// syncLoop posts a marker and waits for it, so every earlier post has run.
func syncLoop(t *testing.T, l *Loop) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	l, _ := runLoop(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	syncLoop(t, l)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoop_ConcurrentPostersSerialized(t *testing.T) {
	l, _ := runLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	syncLoop(t, l)

	assert.Equal(t, 800, counter)
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New(1)
	l.Stop()
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Run(context.Background()), ErrStopped)
}

func TestLoop_RunReturnsOnCancel(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	<-l.Done()
}

func TestTimer_FiresOnLoop(t *testing.T) {
	l, _ := runLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_StopPreventsCallback(t *testing.T) {
	l, _ := runLoop(t)

	ran := false
	timer := l.AfterFunc(20*time.Millisecond, func() { ran = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	time.Sleep(40 * time.Millisecond)
	syncLoop(t, l)
	assert.False(t, ran)
}

func TestTicker_StopsCleanly(t *testing.T) {
	l, _ := runLoop(t)

	ticks := make(chan struct{}, 100)
	ticker := l.Every(2*time.Millisecond, func() { ticks <- struct{}{} })

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not tick")
	}

	stopped := make(chan struct{})
	l.Post(func() {
		ticker.Stop()
		close(stopped)
	})
	<-stopped
	for len(ticks) > 0 {
		<-ticks
	}

	time.Sleep(20 * time.Millisecond)
	syncLoop(t, l)
	assert.Zero(t, len(ticks))
}

func TestManual_AdvanceRunsDueInOrder(t *testing.T) {
	m := NewManual()

	var got []string
	m.Schedule(3*time.Second, func() { got = append(got, "c") })
	m.Schedule(time.Second, func() { got = append(got, "a") })
	cancel := m.Schedule(2*time.Second, func() { got = append(got, "b") })
	assert.True(t, cancel())
	assert.False(t, cancel())

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Zero(t, m.Pending())
}

func TestManual_RescheduleFromCallback(t *testing.T) {
	m := NewManual()

	count := 0
	var tick func()
	tick = func() {
		count++
		m.Schedule(time.Second, tick)
	}
	m.Schedule(time.Second, tick)

	m.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
}
