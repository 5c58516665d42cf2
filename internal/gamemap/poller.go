package gamemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"computer-quest/internal/eventloop"
	"computer-quest/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrNoSnapshot is returned by Fetch when the server has no map yet.
var ErrNoSnapshot = errors.New("gamemap: no snapshot available")

const maxSnapshotBytes = 1 << 20

// PollerOptions configures the fallback poller.
type PollerOptions struct {
	URL       string
	Interval  time.Duration
	Scheduler eventloop.Scheduler
	// Post runs a callback on the event loop.
	Post   func(fn func()) bool
	Client *retryablehttp.Client
	Logger *zap.Logger
}

// Poller refreshes the map over HTTP while the push path is quiet. A tick
// fetches only when no update was applied within the last interval. The
// request runs off the loop; its result is applied on it.
type Poller struct {
	sync   *Synchronizer
	opts   PollerOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopTick func() bool
	inFlight bool
	running  bool
}

// NewPoller creates a stopped poller for s.
func NewPoller(s *Synchronizer, opts PollerOptions) *Poller {
	logger := logging.OrNop(opts.Logger).Named("poller")
	if opts.Client == nil {
		opts.Client = NewHTTPClient(logger)
	}
	return &Poller{sync: s, opts: opts, logger: logger}
}

// NewHTTPClient returns a retrying client that logs through logger.
func NewHTTPClient(logger *zap.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = leveledLogger{logging.OrNop(logger).Sugar()}
	return c
}

// Start arms the first tick. It is a no-op without a URL or interval.
func (p *Poller) Start() {
	if p.running || p.opts.URL == "" || p.opts.Interval <= 0 {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.arm()
}

// Stop cancels the timer and any request in flight. Results that arrive
// afterwards are discarded.
func (p *Poller) Stop() {
	if !p.running {
		return
	}
	p.running = false
	if p.stopTick != nil {
		p.stopTick()
		p.stopTick = nil
	}
	p.cancel()
}

func (p *Poller) arm() {
	p.stopTick = p.opts.Scheduler.Schedule(p.opts.Interval, p.tick)
}

func (p *Poller) tick() {
	p.stopTick = nil
	if !p.running {
		return
	}
	defer p.arm()

	if p.inFlight {
		return
	}
	if last := p.sync.LastUpdate(); !last.IsZero() && time.Since(last) < p.opts.Interval {
		return
	}

	p.inFlight = true
	ctx := p.ctx
	go func() {
		body, err := Fetch(ctx, p.opts.Client, p.opts.URL)
		p.opts.Post(func() { p.finish(ctx, body, err) })
	}()
}

func (p *Poller) finish(ctx context.Context, body []byte, err error) {
	p.inFlight = false
	if !p.running || ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, ErrNoSnapshot):
		p.logger.Debug("no map snapshot yet")
	case err != nil:
		p.logger.Debug("map poll failed", zap.Error(err))
	default:
		// Apply logs and keeps the previous state on a bad body.
		_ = p.sync.Apply(body)
	}
}

// Fetch GETs one map snapshot.
func Fetch(ctx context.Context, client *retryablehttp.Client, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build map request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoSnapshot
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch map: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	return body, nil
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
