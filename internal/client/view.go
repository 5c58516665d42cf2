// Package client wires the transport, lifecycle controller, terminal bridge
// and map synchronizer into one session view.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"computer-quest/internal/eventloop"
	"computer-quest/internal/gamemap"
	"computer-quest/internal/lifecycle"
	"computer-quest/internal/logging"
	"computer-quest/internal/protocol"
	"computer-quest/internal/terminal"
	"computer-quest/internal/transport"

	"github.com/charmbracelet/lipgloss"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var ErrViewClosed = errors.New("client: view closed")

var noticeStyle = lipgloss.NewStyle().Faint(true)

// Options configures a View.
type Options struct {
	Topology     gamemap.Topology
	StartTimeout time.Duration
	Scheduler    eventloop.Scheduler

	// MapURL enables the fallback poller. Post must be set with it.
	MapURL       string
	PollInterval time.Duration
	Post         transport.Poster
	HTTPClient   *retryablehttp.Client

	// AutoStart requests a game on every connect edge.
	AutoStart bool
	// Quit is called when the user asks to leave.
	Quit func()

	Logger *zap.Logger
}

// View owns every handler the session subscribes to. Open binds them,
// Close releases them together with the poller and the surface. All
// methods must run on the event loop.
type View struct {
	ch     transport.Channel
	opts   Options
	logger *zap.Logger

	scope      *transport.Scope
	controller *lifecycle.Controller
	bridge     *terminal.Bridge
	gmap       *gamemap.Synchronizer
	poller     *gamemap.Poller

	detach  func()
	showMap bool
	opened  bool
	closed  bool
}

// NewView builds the components around ch. Nothing is subscribed until
// Open.
func NewView(ch transport.Channel, opts Options) *View {
	if len(opts.Topology.Nodes) == 0 {
		opts.Topology = gamemap.DefaultTopology()
	}
	logger := logging.OrNop(opts.Logger)

	v := &View{
		ch:     ch,
		opts:   opts,
		logger: logger.Named("view"),
		scope:  &transport.Scope{},
	}
	v.controller = lifecycle.New(ch, lifecycle.Options{
		StartTimeout: opts.StartTimeout,
		Scheduler:    opts.Scheduler,
		Logger:       logger,
	})
	v.bridge = terminal.NewBridge(ch, v.controller, logger)
	v.gmap = gamemap.NewSynchronizer(opts.Topology, ch, logger)
	if opts.MapURL != "" && opts.Post != nil && opts.Scheduler != nil {
		v.poller = gamemap.NewPoller(v.gmap, gamemap.PollerOptions{
			URL:       opts.MapURL,
			Interval:  opts.PollInterval,
			Scheduler: opts.Scheduler,
			Post:      opts.Post,
			Client:    opts.HTTPClient,
			Logger:    logger,
		})
	}
	return v
}

// Open binds the view to surface and starts the map poller.
func (v *View) Open(surface terminal.Surface) error {
	if v.closed {
		return ErrViewClosed
	}
	if v.opened {
		return nil
	}
	v.opened = true

	v.controller.Bind(v.scope)
	v.bridge.Bind(v.scope)
	v.gmap.Bind(v.scope)
	v.scope.On(v.ch, protocol.EventConnect, func(json.RawMessage) { v.handleConnect() })
	v.scope.On(v.ch, protocol.TypeError, v.handleServerError)

	v.controller.OnChange(v.handleTransition)
	v.gmap.OnChange(v.handleMapChange)

	v.detach = v.bridge.Attach(&keyFilter{Surface: surface, run: v.runCommand})
	if v.poller != nil {
		v.poller.Start()
	}
	v.notice("connecting...")
	return nil
}

// Close releases every handler, stops the poller and detaches the
// surface. Events that arrive afterwards reach nothing.
func (v *View) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.scope.Release()
	if v.poller != nil {
		v.poller.Stop()
	}
	if v.detach != nil {
		v.detach()
		v.detach = nil
	}
}

// Start requests a new game and clears the terminal when the request is
// accepted. Rejections are returned for the caller to ignore.
func (v *View) Start() error {
	if v.closed {
		return ErrViewClosed
	}
	if err := v.controller.RequestStart(); err != nil {
		return err
	}
	v.bridge.Clear()
	return nil
}

// Resize refits the terminal after the container changed size.
func (v *View) Resize() bool {
	return v.bridge.Refit()
}

// ToggleMap shows or hides the map panel.
func (v *View) ToggleMap() {
	v.showMap = !v.showMap
	if v.showMap {
		v.renderMap()
	}
}

// MapShown reports whether the map panel is visible.
func (v *View) MapShown() bool {
	return v.showMap
}

func (v *View) Status() lifecycle.Status {
	return v.controller.Status()
}

func (v *View) Controller() *lifecycle.Controller {
	return v.controller
}

func (v *View) Map() *gamemap.Synchronizer {
	return v.gmap
}

func (v *View) Bridge() *terminal.Bridge {
	return v.bridge
}

func (v *View) runCommand(cmd Command) {
	switch cmd {
	case CommandStart:
		if err := v.Start(); err != nil {
			v.logger.Debug("start ignored", zap.Error(err))
		}
	case CommandToggleMap:
		v.ToggleMap()
	case CommandQuit:
		if v.opts.Quit != nil {
			v.opts.Quit()
		}
	}
}

// handleConnect starts a game on every connect when AutoStart is set. The
// screen is kept so output from before a reconnect stays visible.
func (v *View) handleConnect() {
	if !v.opts.AutoStart || v.closed {
		return
	}
	if err := v.controller.RequestStart(); err != nil {
		v.logger.Debug("autostart ignored", zap.Error(err))
	}
}

func (v *View) handleTransition(prev, next lifecycle.Status) {
	switch {
	case next.Running() && !prev.Running():
		v.gmap.Reset()
		v.bridge.Refit()
	case next.Connected && !prev.Connected:
		v.notice("connected. Ctrl-] s starts a game, Ctrl-] m toggles the map, Ctrl-] q quits")
	case !next.Connected && prev.Connected:
		v.notice("disconnected, reconnecting...")
	case next.State == lifecycle.StateEnded && next.ExitCode != nil && next.ExitCode != prev.ExitCode:
		v.notice(fmt.Sprintf("game over (exit code %d). Ctrl-] s plays again", *next.ExitCode))
	case prev.State == lifecycle.StateStarting && next.State != lifecycle.StateStarting:
		// Start timed out and the controller fell back.
		v.notice("game did not start")
	}
}

func (v *View) handleMapChange() {
	if v.showMap {
		v.renderMap()
	}
}

func (v *View) handleServerError(raw json.RawMessage) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		v.logger.Debug("error payload unreadable", zap.Error(err))
		return
	}
	v.logger.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
	if p.Code == protocol.ErrSpawnFailed || p.Code == protocol.ErrMaxGames {
		v.notice("server: " + p.Message)
	}
}

func (v *View) renderMap() {
	text := gamemap.RenderText(v.gmap.Nodes(), v.gmap.Edges())
	v.write("\r\n" + strings.ReplaceAll(text, "\n", "\r\n"))
}

func (v *View) notice(msg string) {
	v.write("\r\n" + noticeStyle.Render("["+msg+"]") + "\r\n")
}

func (v *View) write(s string) {
	if _, err := v.bridge.Write([]byte(s)); err != nil {
		v.logger.Debug("local write failed", zap.Error(err))
	}
}
