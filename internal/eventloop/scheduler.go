package eventloop

import (
	"sort"
	"time"
)

// Scheduler arms one-shot callbacks. The returned cancel func reports
// whether it prevented the callback.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func() bool)
}

// Manual is a Scheduler driven by Advance instead of wall time. Callbacks
// run synchronously on the goroutine calling Advance.
type Manual struct {
	now     time.Duration
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	at  time.Duration
	seq int
	fn  func()
	off bool
}

// NewManual returns a scheduler at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Schedule implements Scheduler.
func (m *Manual) Schedule(d time.Duration, fn func()) func() bool {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return func() bool {
		if t.off {
			return false
		}
		t.off = true
		return true
	}
}

// Advance moves virtual time forward and runs every callback that comes
// due, in deadline order. Callbacks may schedule more callbacks.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		t := m.next(target)
		if t == nil {
			break
		}
		m.now = t.at
		t.off = true
		t.fn()
	}
	m.now = target
}

// Pending returns the number of armed callbacks.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.pending {
		if !t.off {
			n++
		}
	}
	return n
}

func (m *Manual) next(target time.Duration) *manualTimer {
	live := m.pending[:0]
	for _, t := range m.pending {
		if !t.off {
			live = append(live, t)
		}
	}
	m.pending = live
	sort.Slice(m.pending, func(i, j int) bool {
		if m.pending[i].at == m.pending[j].at {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].at < m.pending[j].at
	})
	if len(m.pending) == 0 || m.pending[0].at > target {
		return nil
	}
	return m.pending[0]
}
