// Package metrics holds the game server's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
	WSRejected    *prometheus.CounterVec

	// Game metrics
	GamesActive   prometheus.Gauge
	GamesStarted  prometheus.Counter
	GameFailures  prometheus.Counter
	GameDuration  prometheus.Histogram
	OutputBytes   prometheus.Counter
	MapBroadcasts prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quest_ws_connections",
			Help: "Number of open WebSocket connections",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_ws_messages_total",
			Help: "WebSocket messages by direction and type",
		}, []string{"direction", "type"}),
		WSRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_ws_rejected_total",
			Help: "Inbound messages rejected, by error code",
		}, []string{"code"}),

		GamesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quest_games_active",
			Help: "Number of running game processes",
		}),
		GamesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quest_games_started_total",
			Help: "Total number of game processes started",
		}),
		GameFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "quest_game_spawn_failures_total",
			Help: "Total number of failed game starts",
		}),
		GameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quest_game_duration_seconds",
			Help:    "Lifetime of game processes in seconds",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		}),
		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "quest_terminal_output_bytes_total",
			Help: "Bytes of terminal output sent to clients",
		}),
		MapBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "quest_map_broadcasts_total",
			Help: "Map snapshots broadcast to clients",
		}),
	}
}

// MessageIn counts one inbound message.
func (m *Metrics) MessageIn(msgType string) {
	m.WSMessages.WithLabelValues("in", msgType).Inc()
}

// MessageOut counts one outbound message.
func (m *Metrics) MessageOut(msgType string) {
	m.WSMessages.WithLabelValues("out", msgType).Inc()
}

// Rejected counts one rejected inbound message.
func (m *Metrics) Rejected(code string) {
	m.WSRejected.WithLabelValues(code).Inc()
}

// GameStarted records a successful spawn.
func (m *Metrics) GameStarted() {
	m.GamesStarted.Inc()
	m.GamesActive.Inc()
}

// GameEnded records a game leaving the running set after d.
func (m *Metrics) GameEnded(d time.Duration) {
	m.GamesActive.Dec()
	m.GameDuration.Observe(d.Seconds())
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
