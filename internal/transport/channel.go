// Package transport carries named JSON events between the client and the
// game server.
//
// Consumers see only two lifecycle edges, protocol.EventConnect and
// protocol.EventDisconnect, raised exactly once per transition. Dial
// failures and reconnect attempts stay inside the transport. Delivery is
// best-effort: an event sent while the connection is down is lost.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrSendBufferFull = errors.New("transport: send buffer full")
	ErrClosed         = errors.New("transport: closed")
)

// Handler receives the raw payload of one event. Lifecycle edges carry a
// nil payload.
type Handler func(payload json.RawMessage)

// Unsubscribe removes a handler. It is safe to call more than once.
type Unsubscribe func()

// Channel is the part of the transport that session components use.
type Channel interface {
	Send(event string, payload interface{}) error
	On(event string, h Handler) Unsubscribe
}

type registration struct {
	handler Handler
	active  atomic.Bool
}

// registry maps event names to handlers. Dispatch takes a snapshot, and
// a handler removed during dispatch is not called afterwards.
type registry struct {
	mu       sync.Mutex
	handlers map[string][]*registration
}

func (r *registry) on(event string, h Handler) Unsubscribe {
	reg := &registration{handler: h}
	reg.active.Store(true)

	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = make(map[string][]*registration)
	}
	r.handlers[event] = append(r.handlers[event], reg)
	r.mu.Unlock()

	return func() {
		if !reg.active.Swap(false) {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		regs := r.handlers[event]
		for i, candidate := range regs {
			if candidate == reg {
				r.handlers[event] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(r.handlers[event]) == 0 {
			delete(r.handlers, event)
		}
	}
}

func (r *registry) dispatch(event string, payload json.RawMessage) int {
	r.mu.Lock()
	regs := append([]*registration(nil), r.handlers[event]...)
	r.mu.Unlock()

	called := 0
	for _, reg := range regs {
		if !reg.active.Load() {
			continue
		}
		reg.handler(payload)
		called++
	}
	return called
}

func (r *registry) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[event])
}

// Scope owns a set of registrations that live and die together, for
// example everything a session view subscribed to.
type Scope struct {
	mu       sync.Mutex
	offs     []Unsubscribe
	released bool
}

// On registers h on ch and ties it to the scope.
func (s *Scope) On(ch Channel, event string, h Handler) {
	s.Add(ch.On(event, h))
}

// Add ties an existing registration to the scope. After Release the
// registration is removed immediately.
func (s *Scope) Add(off Unsubscribe) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		off()
		return
	}
	s.offs = append(s.offs, off)
	s.mu.Unlock()
}

// Release removes every registration in reverse order of addition.
func (s *Scope) Release() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.released = true
	s.mu.Unlock()

	for i := len(offs) - 1; i >= 0; i-- {
		offs[i]()
	}
}
