package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"computer-quest/internal/protocol"
)

// Sent is one event recorded by Memory.
type Sent struct {
	Event   string
	Payload json.RawMessage
}

// Memory is an in-process Channel. Emit, Connect and Drop dispatch
// synchronously on the caller's goroutine, which plays the event loop.
type Memory struct {
	registry

	mu        sync.Mutex
	connected bool
	sent      []Sent
}

// NewMemory returns a disconnected in-memory channel.
func NewMemory() *Memory {
	return &Memory{}
}

// Send records the event. Like the websocket client it drops events while
// disconnected.
func (m *Memory) Send(event string, payload interface{}) error {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.sent = append(m.sent, Sent{Event: event, Payload: data})
	return nil
}

// On implements Channel.
func (m *Memory) On(event string, h Handler) Unsubscribe {
	return m.on(event, h)
}

// Connect raises the connect edge unless already connected.
func (m *Memory) Connect() {
	m.mu.Lock()
	was := m.connected
	m.connected = true
	m.mu.Unlock()
	if !was {
		m.dispatch(protocol.EventConnect, nil)
	}
}

// Drop raises the disconnect edge unless already disconnected.
func (m *Memory) Drop() {
	m.mu.Lock()
	was := m.connected
	m.connected = false
	m.mu.Unlock()
	if was {
		m.dispatch(protocol.EventDisconnect, nil)
	}
}

// Emit delivers a server event with payload encoded as JSON. It returns
// the number of handlers called.
func (m *Memory) Emit(event string, payload interface{}) int {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("transport: emit %s: %v", event, err))
	}
	return m.dispatch(event, data)
}

// EmitRaw delivers a server event with an unparsed payload.
func (m *Memory) EmitRaw(event string, raw []byte) int {
	return m.dispatch(event, raw)
}

// Connected reports the simulated link state.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Sent returns every recorded event.
func (m *Memory) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// SentOf returns recorded events named event.
func (m *Memory) SentOf(event string) []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sent
	for _, s := range m.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

// ResetSent clears the record.
func (m *Memory) ResetSent() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Handlers returns the number of live handlers for event.
func (m *Memory) Handlers(event string) int {
	return m.count(event)
}
