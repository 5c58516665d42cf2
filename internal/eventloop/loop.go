// Package eventloop runs callbacks one at a time on a single goroutine.
//
// Network reads, stdin, signals and timers all live on their own
// goroutines and only ever Post into the loop, so handlers never share
// state concurrently and never block one another mid-run.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Run after Stop.
var ErrStopped = errors.New("event loop stopped")

const defaultQueueSize = 1024

// Loop is a FIFO of callbacks executed serially by Run.
type Loop struct {
	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop. size bounds the queue; posters block when it is full.
func New(size int) *Loop {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post schedules fn. Callbacks run in the order they were posted. It
// returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run executes callbacks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return ErrStopped
		case fn := <-l.queue:
			fn()
		}
	}
}

// Stop ends Run. Queued callbacks that have not started are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a one-shot callback bound to the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop cancels the timer. A callback already queued on the loop is
// skipped. It reports whether the call prevented the callback.
func (t *Timer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.t.Stop()
	return true
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return timer
}

// Schedule is AfterFunc behind the Scheduler interface.
func (l *Loop) Schedule(d time.Duration, fn func()) func() bool {
	return l.AfterFunc(d, fn).Stop
}

// Ticker is a periodic callback bound to the loop.
type Ticker struct {
	stop    chan struct{}
	stopped atomic.Bool
}

// Stop ends the ticker. No callback runs after Stop returns, even one
// that was already queued.
func (t *Ticker) Stop() {
	if !t.stopped.Swap(true) {
		close(t.stop)
	}
}

// Every runs fn on the loop each interval until the ticker or loop stops.
// Ticks are not queued while a previous tick is still pending.
func (l *Loop) Every(interval time.Duration, fn func()) *Ticker {
	ticker := &Ticker{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		var pending atomic.Bool
		for {
			select {
			case <-ticker.stop:
				return
			case <-l.done:
				return
			case <-t.C:
				if pending.Swap(true) {
					continue
				}
				l.Post(func() {
					pending.Store(false)
					if ticker.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return ticker
}
