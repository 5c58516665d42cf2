// Package game runs game processes inside pseudo-terminals, one per
// connected client, and streams their output as ordered events.
package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"computer-quest/internal/logging"
	"computer-quest/internal/runeio"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultGracefulTimeout = 5 * time.Second
	defaultHistorySize     = 256
	defaultEventBuffer     = 64

	// drainTimeout bounds how long exit waits for the PTY reader once the
	// process is gone. Orphaned children can hold the slave side open.
	drainTimeout = time.Second
)

var (
	ErrNotFound = errors.New("game not found")
	ErrMaxGames = errors.New("maximum game limit reached")
	ErrExited   = errors.New("game exited")
)

// Options configures a Manager.
type Options struct {
	// Command is the argv of the game process.
	Command []string
	Dir     string
	Env     []string

	MaxGames        int
	GracefulTimeout time.Duration
	HistorySize     int
	Logger          *zap.Logger
}

// Manager owns every running game process.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	games map[string]*managedGame
}

type managedGame struct {
	Game   *Game
	cmd    *exec.Cmd
	cancel context.CancelFunc

	ptyMu sync.Mutex
	ptmx  *os.File

	events  chan Event
	abandon chan struct{}
	once    sync.Once
	history *RingBuffer

	readerDone chan struct{}
	exited     chan struct{}
}

// NewManager creates a game manager.
func NewManager(opts Options) *Manager {
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = defaultGracefulTimeout
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = defaultHistorySize
	}
	return &Manager{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("game"),
		games:  make(map[string]*managedGame),
	}
}

// Start spawns the game for owner in a PTY of the given size. The
// returned channel yields output chunks in order, then one exit event, and
// is closed afterwards or once the game is stopped.
func (m *Manager) Start(owner string, size Size) (*Game, <-chan Event, error) {
	if len(m.opts.Command) == 0 {
		return nil, nil, fmt.Errorf("no game command configured")
	}
	if m.opts.Dir != "" {
		info, err := os.Stat(m.opts.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("game directory does not exist: %s", m.opts.Dir)
		}
		if !info.IsDir() {
			return nil, nil, fmt.Errorf("game path is not a directory: %s", m.opts.Dir)
		}
	}
	size = size.orDefault()

	m.mu.Lock()
	if m.activeLocked() >= m.opts.MaxGames {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w (%d)", ErrMaxGames, m.opts.MaxGames)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, m.opts.Command[0], m.opts.Command[1:]...)
	cmd.Dir = m.opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, m.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)})
	if err != nil {
		cancel()
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to start game: %w", err)
	}

	g := &Game{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		State:     StateRunning,
		Size:      size,
		StartedAt: time.Now().UTC(),
	}
	mg := &managedGame{
		Game:       g,
		cmd:        cmd,
		cancel:     cancel,
		ptmx:       ptmx,
		events:     make(chan Event, defaultEventBuffer),
		abandon:    make(chan struct{}),
		history:    NewRingBuffer(m.opts.HistorySize),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	m.games[g.ID] = mg
	snapshot := *g
	m.mu.Unlock()

	m.logger.Info("game started",
		zap.String("game_id", g.ID),
		zap.String("owner", owner),
		zap.Int("pid", cmd.Process.Pid))

	go m.readOutput(mg)
	go m.waitForExit(mg)

	return &snapshot, mg.events, nil
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, mg := range m.games {
		if mg.Game.State != StateExited {
			n++
		}
	}
	return n
}

// readOutput forwards PTY bytes as output events, holding back a trailing
// partial UTF-8 sequence until the next read completes it.
func (m *Manager) readOutput(mg *managedGame) {
	defer close(mg.readerDone)

	buf := make([]byte, MaxChunk)
	carry := 0
	for {
		n, err := mg.ptmx.Read(buf[carry:])
		if n > 0 {
			complete, rest := runeio.Split(buf[:carry+n])
			if len(complete) > 0 {
				m.deliver(mg, Event{
					GameID:    mg.Game.ID,
					Type:      EventOutput,
					Data:      string(complete),
					Timestamp: time.Now().UTC(),
				})
			}
			carry = copy(buf, rest)
		}
		if err != nil {
			// The PTY reports EIO once the slave side is closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				m.logger.Debug("pty read ended", zap.String("game_id", mg.Game.ID), zap.Error(err))
			}
			break
		}
	}
	if carry > 0 {
		m.deliver(mg, Event{
			GameID:    mg.Game.ID,
			Type:      EventOutput,
			Data:      string(buf[:carry]),
			Timestamp: time.Now().UTC(),
		})
	}
}

// deliver sends ev to the owner unless the game has been abandoned.
func (m *Manager) deliver(mg *managedGame, ev Event) {
	mg.history.Write(ev)
	select {
	case mg.events <- ev:
	case <-mg.abandon:
	}
}

// waitForExit reaps the process, lets the reader drain, then emits the
// exit event so it follows all output.
func (m *Manager) waitForExit(mg *managedGame) {
	err := mg.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	select {
	case <-mg.readerDone:
	case <-time.After(drainTimeout):
	}
	mg.ptyMu.Lock()
	mg.ptmx.Close()
	mg.ptyMu.Unlock()
	<-mg.readerDone

	m.mu.Lock()
	mg.Game.State = StateExited
	mg.Game.ExitCode = &exitCode
	m.mu.Unlock()
	mg.cancel()

	m.logger.Info("game exited", zap.String("game_id", mg.Game.ID), zap.Int("exit_code", exitCode))

	m.deliver(mg, Event{
		GameID:    mg.Game.ID,
		Type:      EventExit,
		ExitCode:  exitCode,
		Timestamp: time.Now().UTC(),
	})
	close(mg.events)
	close(mg.exited)
}

func (m *Manager) lookup(id string) (*managedGame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mg, ok := m.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mg, nil
}

// Get returns a snapshot of a game.
func (m *Manager) Get(id string) (*Game, error) {
	mg, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := *mg.Game
	return &snapshot, nil
}

// List returns snapshots of all games that have not been removed.
func (m *Manager) List() []*Game {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Game, 0, len(m.games))
	for _, mg := range m.games {
		snapshot := *mg.Game
		result = append(result, &snapshot)
	}
	return result
}

// History returns the recent events of a game, oldest first.
func (m *Manager) History(id string) ([]Event, error) {
	mg, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return mg.history.ReadAll(), nil
}

// Write sends input bytes to the game's PTY.
func (m *Manager) Write(id string, data []byte) error {
	mg, err := m.lookup(id)
	if err != nil {
		return err
	}
	mg.ptyMu.Lock()
	defer mg.ptyMu.Unlock()
	if m.exitedLocked(mg) {
		return ErrExited
	}
	_, err = mg.ptmx.Write(data)
	return err
}

// Resize changes the game's PTY window size.
func (m *Manager) Resize(id string, size Size) error {
	mg, err := m.lookup(id)
	if err != nil {
		return err
	}
	mg.ptyMu.Lock()
	defer mg.ptyMu.Unlock()
	if m.exitedLocked(mg) {
		return ErrExited
	}
	if err := pty.Setsize(mg.ptmx, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	m.mu.Lock()
	mg.Game.Size = size
	m.mu.Unlock()
	return nil
}

func (m *Manager) exitedLocked(mg *managedGame) bool {
	select {
	case <-mg.exited:
		return true
	default:
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return mg.Game.State == StateExited
}

// Stop abandons the game's event stream and terminates its process:
// SIGTERM first, SIGKILL after the graceful timeout. The game is removed
// from the manager once it has exited.
func (m *Manager) Stop(id string) error {
	mg, err := m.lookup(id)
	if err != nil {
		return err
	}
	mg.once.Do(func() { close(mg.abandon) })

	m.mu.Lock()
	running := mg.Game.State == StateRunning
	if running {
		mg.Game.State = StateStopping
	}
	m.mu.Unlock()

	if running && mg.cmd.Process != nil {
		if err := mg.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug("sigterm failed", zap.String("game_id", id), zap.Error(err))
		}
		go func() {
			select {
			case <-mg.exited:
			case <-time.After(m.opts.GracefulTimeout):
				m.logger.Warn("game ignored SIGTERM, killing", zap.String("game_id", id))
				mg.cancel()
			}
		}()
	}

	go func() {
		<-mg.exited
		m.mu.Lock()
		delete(m.games, id)
		m.mu.Unlock()
	}()
	return nil
}

// Wait blocks until the game has exited or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	mg, err := m.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-mg.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every game and waits for them to exit or for ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	pending := make([]*managedGame, 0, len(m.games))
	for _, mg := range m.games {
		pending = append(pending, mg)
	}
	m.mu.RUnlock()

	for _, mg := range pending {
		_ = m.Stop(mg.Game.ID)
	}
	for _, mg := range pending {
		select {
		case <-mg.exited:
		case <-ctx.Done():
			for _, left := range pending {
				left.cancel()
			}
			return
		}
	}
}
