// Package lifecycle tracks whether a game session is idle, starting,
// running or ended, and whether the transport is up.
//
// The server is the only source of truth for "running": the controller
// enters Running on game_started and never carries it across a reconnect.
// Every handler must run on the event loop.
package lifecycle

import (
	"encoding/json"
	"errors"
	"time"

	"computer-quest/internal/eventloop"
	"computer-quest/internal/logging"
	"computer-quest/internal/protocol"
	"computer-quest/internal/transport"

	"go.uber.org/zap"
)

var (
	ErrNotConnected      = errors.New("lifecycle: not connected")
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the controller.
type Status struct {
	State     State
	Connected bool
	// ExitCode is the code reported by the last game_ended, if any.
	ExitCode *int
}

// Running reports running = true. Running implies Connected.
func (s Status) Running() bool {
	return s.State == StateRunning
}

// CanStart reports whether a start request would be accepted; the UI
// disables its start action otherwise.
func (s Status) CanStart() bool {
	return s.Connected && (s.State == StateIdle || s.State == StateEnded)
}

// ChangeFunc observes a transition.
type ChangeFunc func(prev, next Status)

// Options configures a Controller.
type Options struct {
	// StartTimeout returns Starting to its previous state when the server
	// does not confirm in time. Zero disables it.
	StartTimeout time.Duration
	Scheduler    eventloop.Scheduler
	Logger       *zap.Logger
}

// Controller is the session state machine.
type Controller struct {
	ch     transport.Channel
	opts   Options
	logger *zap.Logger

	state     State
	connected bool
	exitCode  *int

	// prevState is where a timed-out start returns to.
	prevState   State
	cancelStart func() bool

	listeners []ChangeFunc
}

// New creates a controller in Idle, disconnected.
func New(ch transport.Channel, opts Options) *Controller {
	return &Controller{
		ch:     ch,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("lifecycle"),
		state:  StateIdle,
	}
}

// Bind registers the controller's handlers on scope.
func (c *Controller) Bind(scope *transport.Scope) {
	scope.On(c.ch, protocol.EventConnect, func(json.RawMessage) { c.handleConnect() })
	scope.On(c.ch, protocol.EventDisconnect, func(json.RawMessage) { c.handleDisconnect() })
	scope.On(c.ch, protocol.TypeGameStarted, func(json.RawMessage) { c.handleGameStarted() })
	scope.On(c.ch, protocol.TypeGameEnded, c.handleGameEnded)
	scope.Add(transport.Unsubscribe(c.stopStartTimer))
}

// OnChange adds a transition observer. Observers run synchronously after
// the state has changed.
func (c *Controller) OnChange(fn ChangeFunc) {
	c.listeners = append(c.listeners, fn)
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	return Status{State: c.state, Connected: c.connected, ExitCode: c.exitCode}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// IsInputAllowed reports running = true. Callers check it per event
// rather than caching it.
func (c *Controller) IsInputAllowed() bool {
	return c.connected && c.state == StateRunning
}

// RequestStart asks the server to start a session. It is accepted only
// while connected and Idle or Ended; otherwise nothing is sent and
// ErrNotConnected or ErrInvalidTransition is returned for the caller to
// ignore.
func (c *Controller) RequestStart() error {
	if !c.connected {
		return ErrNotConnected
	}
	if c.state != StateIdle && c.state != StateEnded {
		return ErrInvalidTransition
	}

	if err := c.ch.Send(protocol.TypeStartGame, protocol.StartGamePayload{}); err != nil {
		c.logger.Debug("start request not sent", zap.Error(err))
		return err
	}

	prev := c.state
	c.transition(func() {
		c.prevState = prev
		c.state = StateStarting
	})
	c.armStartTimer()
	return nil
}

func (c *Controller) handleConnect() {
	c.stopStartTimer()
	c.transition(func() {
		c.connected = true
		c.state = StateIdle
	})
}

func (c *Controller) handleDisconnect() {
	c.stopStartTimer()
	c.transition(func() {
		c.connected = false
		c.state = StateIdle
	})
}

func (c *Controller) handleGameStarted() {
	if !c.connected {
		c.logger.Debug("game_started while disconnected ignored")
		return
	}
	c.stopStartTimer()
	c.transition(func() {
		c.state = StateRunning
		c.exitCode = nil
	})
}

func (c *Controller) handleGameEnded(raw json.RawMessage) {
	if c.state != StateRunning && c.state != StateStarting {
		c.logger.Debug("game_ended ignored", zap.Stringer("state", c.state))
		return
	}

	var p protocol.GameEndedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Debug("game_ended payload unreadable", zap.Error(err))
	}
	code := p.ExitCode

	c.stopStartTimer()
	c.transition(func() {
		c.state = StateEnded
		c.exitCode = &code
	})
	c.logger.Info("game ended", zap.Int("exit_code", code))
}

func (c *Controller) armStartTimer() {
	if c.opts.StartTimeout <= 0 || c.opts.Scheduler == nil {
		return
	}
	c.cancelStart = c.opts.Scheduler.Schedule(c.opts.StartTimeout, func() {
		c.cancelStart = nil
		if c.state != StateStarting {
			return
		}
		c.logger.Warn("start not confirmed", zap.Duration("timeout", c.opts.StartTimeout))
		prev := c.prevState
		c.transition(func() { c.state = prev })
	})
}

func (c *Controller) stopStartTimer() {
	if c.cancelStart != nil {
		c.cancelStart()
		c.cancelStart = nil
	}
}

func (c *Controller) transition(apply func()) {
	prev := c.Status()
	apply()
	next := c.Status()
	if prev.State == next.State && prev.Connected == next.Connected && prev.ExitCode == next.ExitCode {
		return
	}
	c.logger.Debug("transition",
		zap.Stringer("from", prev.State),
		zap.Stringer("to", next.State),
		zap.Bool("connected", next.Connected))
	for _, fn := range c.listeners {
		fn(prev, next)
	}
}
