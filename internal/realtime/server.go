package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"computer-quest/internal/game"
	"computer-quest/internal/logging"
	"computer-quest/internal/metrics"
	"computer-quest/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBuffer   = 256
	maxFrameSize = 64 * 1024

	// replaceTimeout bounds how long a restart waits for the old game.
	replaceTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow any origin; the game is served to local clients.
	},
}

// MapSource supplies the latest map snapshot payload.
type MapSource interface {
	Latest() (json.RawMessage, bool)
}

// Options configures a Server.
type Options struct {
	Games     *game.Manager
	Map       MapSource
	Metrics   *metrics.Metrics
	StaticDir string

	// InputRate and InputBurst bound inbound messages per connection.
	// A zero rate disables limiting.
	InputRate  float64
	InputBurst int

	Logger *zap.Logger
}

// Server manages WebSocket connections. Each connection owns at most one
// game process, and only the current game's events reach it.
type Server struct {
	games     *game.Manager
	mapSrc    MapSource
	metrics   *metrics.Metrics
	staticDir string
	limit     rate.Limit
	burst     int
	logger    *zap.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	server  *Server

	// mu guards the game binding. gen advances whenever the binding
	// changes so a superseded forwarder can tell it is stale.
	mu     sync.Mutex
	gameID string
	gen    uint64
	size   game.Size
}

// New creates a new realtime server.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	limit := rate.Inf
	if opts.InputRate > 0 {
		limit = rate.Limit(opts.InputRate)
	}
	burst := opts.InputBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		games:     opts.Games,
		mapSrc:    opts.Map,
		metrics:   opts.Metrics,
		staticDir: opts.StaticDir,
		limit:     limit,
		burst:     burst,
		logger:    logging.OrNop(opts.Logger).Named("realtime"),
		clients:   make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/games", s.handleListGames)
	mux.HandleFunc("GET /api/games/{id}", s.handleGetGame)
	mux.HandleFunc("GET /api/games/{id}/output", s.handleGameOutput)
	mux.HandleFunc("GET /api/map", s.handleMap)
	mux.Handle("GET /metrics", s.metrics.Handler())

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(s.limit, s.burst),
		server:  s,
		size:    game.DefaultSize,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.metrics.WSConnections.Inc()
	s.logger.Info("client connected", zap.String("client_id", c.id), zap.String("remote", r.RemoteAddr))

	if s.mapSrc != nil {
		if raw, ok := s.mapSrc.Latest(); ok {
			c.trySend(protocol.TypeMapUpdate, raw)
		}
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.once.Do(func() { close(c.done) })
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) encode(msgType string, payload interface{}) []byte {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.server.logger.Error("encode message", zap.String("type", msgType), zap.Error(err))
		return nil
	}
	return data
}

// trySend queues a message without blocking. It is dropped when the
// client's buffer is full.
func (c *client) trySend(msgType string, payload interface{}) bool {
	data := c.encode(msgType, payload)
	if data == nil {
		return false
	}
	return c.tryQueue(msgType, data)
}

func (c *client) tryQueue(msgType string, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		c.server.metrics.MessageOut(msgType)
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// sendWait queues a message, waiting for buffer space. It gives up once
// the client is gone. Game events use it so none are lost.
func (c *client) sendWait(msgType string, payload interface{}) bool {
	data := c.encode(msgType, payload)
	if data == nil {
		return false
	}
	select {
	case c.send <- data:
		c.server.metrics.MessageOut(msgType)
		return true
	case <-c.done:
		return false
	}
}

func (c *client) sendError(code, message string) {
	c.server.metrics.Rejected(code)
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		c.server.logger.Error("build error message", zap.String("code", code), zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("encode error message", zap.String("code", code), zap.Error(err))
		return
	}
	c.tryQueue(protocol.TypeError, data)
}

// removeClient cleans up a disconnected client and stops its game.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	s.metrics.WSConnections.Dec()

	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	gameID := c.gameID
	c.gameID = ""
	c.gen++
	c.mu.Unlock()

	if gameID != "" {
		if err := s.games.Stop(gameID); err != nil && !errors.Is(err, game.ErrNotFound) {
			s.logger.Warn("stop game", zap.String("game_id", gameID), zap.Error(err))
		}
	}
	s.logger.Info("client disconnected", zap.String("client_id", c.id))
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	if !c.limiter.Allow() {
		c.sendError(protocol.ErrRateLimited, "too many messages")
		return
	}

	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}
	s.metrics.MessageIn(msg.Type)

	switch msg.Type {
	case protocol.TypeStartGame:
		s.handleStartGame(c)
	case protocol.TypeTerminalInput:
		s.handleTerminalInput(c, msg)
	case protocol.TypeResize:
		s.handleResize(c, msg)
	}
}

func (s *Server) handleStartGame(c *client) {
	c.mu.Lock()
	old := c.gameID
	size := c.size
	c.gameID = ""
	c.gen++
	c.mu.Unlock()

	if old != "" {
		s.replaceGame(old)
	}

	g, events, err := s.games.Start(c.id, size)
	if err != nil {
		s.metrics.GameFailures.Inc()
		code := protocol.ErrSpawnFailed
		if errors.Is(err, game.ErrMaxGames) {
			code = protocol.ErrMaxGames
		}
		s.logger.Warn("start game failed", zap.String("client_id", c.id), zap.Error(err))
		c.sendError(code, err.Error())
		return
	}
	s.metrics.GameStarted()

	// game_started is queued under the lock so no output of this game can
	// precede it and no output of an older game can follow it.
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.gameID = g.ID
	c.sendWait(protocol.TypeGameStarted, protocol.GameStartedPayload{})
	c.mu.Unlock()

	go s.forward(c, g, gen, events)
}

// replaceGame stops a superseded game and waits for it to exit so its slot
// counts against MaxGames no longer.
func (s *Server) replaceGame(id string) {
	if err := s.games.Stop(id); err != nil {
		if !errors.Is(err, game.ErrNotFound) {
			s.logger.Warn("stop previous game", zap.String("game_id", id), zap.Error(err))
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replaceTimeout)
	defer cancel()
	if err := s.games.Wait(ctx, id); err != nil && !errors.Is(err, game.ErrNotFound) {
		s.logger.Warn("previous game still exiting", zap.String("game_id", id), zap.Error(err))
	}
}

// forward relays one game's events while it is the client's current game.
func (s *Server) forward(c *client, g *game.Game, gen uint64, events <-chan game.Event) {
	defer s.metrics.GameEnded(time.Since(g.StartedAt))

	for ev := range events {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			continue
		}
		switch ev.Type {
		case game.EventOutput:
			s.metrics.OutputBytes.Add(float64(len(ev.Data)))
			c.sendWait(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{Output: ev.Data})
		case game.EventExit:
			c.gameID = ""
			c.sendWait(protocol.TypeGameEnded, protocol.GameEndedPayload{ExitCode: ev.ExitCode})
		}
		c.mu.Unlock()
	}

	// Drop the exited game from the manager.
	if err := s.games.Stop(g.ID); err != nil && !errors.Is(err, game.ErrNotFound) {
		s.logger.Debug("release game", zap.String("game_id", g.ID), zap.Error(err))
	}
}

func (s *Server) handleTerminalInput(c *client, msg *protocol.Message) {
	var payload protocol.TerminalInputPayload
	json.Unmarshal(msg.Payload, &payload)

	c.mu.Lock()
	gameID := c.gameID
	c.mu.Unlock()
	if gameID == "" {
		c.sendError(protocol.ErrNoGame, "no game running")
		return
	}

	if err := s.games.Write(gameID, []byte(payload.Input)); err != nil {
		s.logger.Debug("input not delivered", zap.String("game_id", gameID), zap.Error(err))
	}
}

func (s *Server) handleResize(c *client, msg *protocol.Message) {
	var payload protocol.ResizePayload
	json.Unmarshal(msg.Payload, &payload)
	size := game.Size{Rows: payload.Rows, Cols: payload.Cols}

	c.mu.Lock()
	c.size = size
	gameID := c.gameID
	c.mu.Unlock()
	if gameID == "" {
		return
	}

	if err := s.games.Resize(gameID, size); err != nil {
		s.logger.Debug("resize not applied", zap.String("game_id", gameID), zap.Error(err))
	}
}

// OnMapUpdate broadcasts a map snapshot to every connected client. It is
// the watcher's callback.
func (s *Server) OnMapUpdate(update *protocol.MapUpdatePayload, raw json.RawMessage) {
	s.metrics.MapBroadcasts.Inc()
	s.broadcast(protocol.TypeMapUpdate, raw)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msgType string, payload interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.trySend(msgType, payload)
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.once.Do(func() { close(c.done) })
	}
}
