package terminal

import (
	"encoding/json"

	"computer-quest/internal/logging"
	"computer-quest/internal/protocol"
	"computer-quest/internal/transport"

	"go.uber.org/zap"
)

// Gate decides whether client-origin bytes may reach the server process.
type Gate interface {
	IsInputAllowed() bool
}

// Bridge maps surface input to terminal_input, terminal_output to surface
// writes, and refits to resize. All methods must run on the event loop.
type Bridge struct {
	ch     transport.Channel
	gate   Gate
	logger *zap.Logger

	surface  Surface
	detach   func()
	geometry Geometry
}

// NewBridge creates a bridge with no surface attached.
func NewBridge(ch transport.Channel, gate Gate, logger *zap.Logger) *Bridge {
	return &Bridge{
		ch:       ch,
		gate:     gate,
		logger:   logging.OrNop(logger).Named("terminal"),
		geometry: DefaultGeometry,
	}
}

// Bind registers the terminal_output handler on scope.
func (b *Bridge) Bind(scope *transport.Scope) {
	scope.On(b.ch, protocol.TypeTerminalOutput, b.handleOutput)
}

// Attach makes s the active surface and subscribes to its input. The
// returned func detaches it again.
func (b *Bridge) Attach(s Surface) func() {
	b.Detach()
	b.surface = s
	cancel := s.OnData(func(data string) { b.Input(data) })
	if g := s.Size(); g.Valid() {
		b.geometry = g
	}

	var done bool
	b.detach = func() {
		if done {
			return
		}
		done = true
		cancel()
		if b.surface == s {
			b.surface = nil
		}
	}
	return b.detach
}

// Detach drops the active surface. Output that arrives afterwards is
// discarded.
func (b *Bridge) Detach() {
	if b.detach != nil {
		b.detach()
		b.detach = nil
	}
}

// Input forwards one keystroke or paste chunk when input is allowed. It
// reports whether a terminal_input event was emitted.
func (b *Bridge) Input(data string) bool {
	if !b.gate.IsInputAllowed() {
		return false
	}
	if err := b.ch.Send(protocol.TypeTerminalInput, protocol.TerminalInputPayload{Input: data}); err != nil {
		b.logger.Debug("input dropped", zap.Error(err))
		return false
	}
	return true
}

// Refit recomputes geometry from the surface's container and emits a
// resize when input is allowed. Outside that window the resize is skipped,
// not queued; the next allowed refit measures again. It reports whether a
// resize event was emitted.
func (b *Bridge) Refit() bool {
	if b.surface != nil {
		g, err := b.surface.Fit()
		switch {
		case err != nil:
			b.logger.Debug("fit failed", zap.Error(err))
		case g.Valid():
			b.geometry = g
		}
	}

	// Checked after Fit, immediately before emission.
	if !b.gate.IsInputAllowed() {
		return false
	}
	payload := protocol.ResizePayload{Rows: b.geometry.Rows, Cols: b.geometry.Cols}
	if err := b.ch.Send(protocol.TypeResize, payload); err != nil {
		b.logger.Debug("resize dropped", zap.Error(err))
		return false
	}
	return true
}

// Clear wipes the surface. The caller does this only when the user
// requests a new session.
func (b *Bridge) Clear() {
	if b.surface == nil {
		return
	}
	if err := b.surface.Clear(); err != nil {
		b.logger.Debug("clear failed", zap.Error(err))
	}
}

// Geometry returns the last measured geometry.
func (b *Bridge) Geometry() Geometry {
	return b.geometry
}

// Write renders bytes on the active surface regardless of the gate. It is
// used for local status text.
func (b *Bridge) Write(p []byte) (int, error) {
	if b.surface == nil {
		return len(p), nil
	}
	return b.surface.Write(p)
}

func (b *Bridge) handleOutput(raw json.RawMessage) {
	if !b.gate.IsInputAllowed() {
		b.logger.Debug("output outside running session dropped")
		return
	}
	if b.surface == nil {
		b.logger.Debug("output dropped: no surface")
		return
	}

	var p protocol.TerminalOutputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		b.logger.Debug("output payload unreadable", zap.Error(err))
		return
	}
	if _, err := b.surface.Write([]byte(p.Output)); err != nil {
		b.logger.Debug("surface write failed", zap.Error(err))
	}
}
