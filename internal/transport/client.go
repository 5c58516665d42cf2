package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"computer-quest/internal/logging"
	"computer-quest/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	defaultSendBuffer   = 256
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 10 * time.Second
)

// Poster hands a callback to the event loop.
type Poster func(fn func()) bool

// Options configures a Client.
type Options struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendBuffer   int
	Logger       *zap.Logger
}

// Client is a reconnecting websocket Channel. Every handler runs through
// the Poster, so handlers observe events in the order the server sent them.
type Client struct {
	url    string
	post   Poster
	opts   Options
	logger *zap.Logger

	registry

	mu      sync.Mutex
	conn    *conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() { close(cn.closed) })
}

// NewClient creates a client for url. Nothing is dialed until Connect.
func NewClient(url string, post Poster, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Client{
		url:    url,
		post:   post,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("transport"),
		done:   make(chan struct{}),
	}
}

// Connect starts the dial/reconnect loop in the background. It returns
// ErrClosed after Disconnect; repeated calls are no-ops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Disconnect closes the connection, stops reconnecting and waits for the
// background loop to exit. A disconnect edge is raised if connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		close(c.done)
		return
	}
	cancel()
	<-c.done
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// On registers h for event. Handlers run on the loop.
func (c *Client) On(event string, h Handler) Unsubscribe {
	return c.on(event, h)
}

// Send queues an event on the live connection. Without one the event is
// dropped and ErrNotConnected returned.
func (c *Client) Send(event string, payload interface{}) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}

	select {
	case <-cn.closed:
		return ErrNotConnected
	default:
	}
	select {
	case cn.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retryablehttp.DefaultBackoff(c.opts.ReconnectMin, c.opts.ReconnectMax, attempt, nil)
			attempt++
			c.logger.Debug("dial failed",
				zap.String("url", c.url),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		attempt = 0
		c.serve(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, c.opts.ReconnectMin) {
			return
		}
	}
}

// serve runs one connection from handshake to loss.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	cn := &conn{
		ws:     ws,
		send:   make(chan []byte, c.opts.SendBuffer),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.url))
	c.post(func() { c.dispatch(protocol.EventConnect, nil) })

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(cn)
	}()
	stop := context.AfterFunc(ctx, cn.close)

	c.readPump(cn)

	stop()
	cn.close()
	<-writerDone

	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.logger.Info("disconnected", zap.String("url", c.url))
	c.post(func() { c.dispatch(protocol.EventDisconnect, nil) })
}

func (c *Client) readPump(cn *conn) {
	cn.ws.SetReadDeadline(time.Now().Add(readDeadline))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			c.logger.Debug("dropping undecodable message", zap.Error(err))
			continue
		}
		if msg.Type == protocol.EventConnect || msg.Type == protocol.EventDisconnect {
			continue
		}

		event, payload := msg.Type, msg.Payload
		c.post(func() { c.dispatch(event, payload) })
	}
}

func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cn.ws.Close()
	}()

	for {
		select {
		case <-cn.closed:
			cn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeDeadline))
			return

		case message := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				cn.close()
				return
			}

		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.close()
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
