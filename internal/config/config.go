package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Server holds game server configuration.
type Server struct {
	Port        int    `envconfig:"PORT" default:"5000"`
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	GameCommand string `envconfig:"GAME_COMMAND" default:"python main.py"`
	GameDir     string `envconfig:"GAME_DIR" default:"."`
	MaxGames    int    `envconfig:"MAX_GAMES" default:"10"`
	StaticDir   string `envconfig:"STATIC_DIR"`

	// GracePeriod is how long a stopped game may run after SIGTERM.
	GracePeriod time.Duration `envconfig:"GAME_GRACE_PERIOD" default:"5s"`

	// MapStateFile is written by the game process; empty disables map push.
	MapStateFile string `envconfig:"MAP_STATE_FILE"`

	// InputRate is the sustained inbound message rate per connection.
	InputRate  float64 `envconfig:"INPUT_RATE" default:"200"`
	InputBurst int     `envconfig:"INPUT_BURST" default:"400"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// Client holds interactive client configuration.
type Client struct {
	URL          string        `envconfig:"QUEST_URL" default:"ws://localhost:5000/ws"`
	MapURL       string        `envconfig:"QUEST_MAP_URL"`
	PollInterval time.Duration `envconfig:"QUEST_POLL_INTERVAL" default:"5s"`
	ReconnectMin time.Duration `envconfig:"QUEST_RECONNECT_MIN" default:"500ms"`
	ReconnectMax time.Duration `envconfig:"QUEST_RECONNECT_MAX" default:"10s"`
	StartTimeout time.Duration `envconfig:"QUEST_START_TIMEOUT" default:"15s"`
	TopologyFile string        `envconfig:"QUEST_TOPOLOGY"`
	AutoStart    bool          `envconfig:"QUEST_AUTOSTART" default:"false"`
	LogFile      string        `envconfig:"QUEST_LOG_FILE"`
	LogLevel     string        `envconfig:"QUEST_LOG_LEVEL" default:"info"`
}

// LoadServer loads server configuration from environment variables.
func LoadServer() (*Server, error) {
	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Server) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if strings.TrimSpace(c.GameCommand) == "" {
		return fmt.Errorf("GAME_COMMAND must not be empty")
	}
	if c.MaxGames <= 0 {
		return fmt.Errorf("invalid MAX_GAMES %d", c.MaxGames)
	}
	return nil
}

// Addr returns the listen address.
func (c *Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GameArgv splits GameCommand on whitespace.
func (c *Server) GameArgv() []string {
	return strings.Fields(c.GameCommand)
}

// LoadClient loads client configuration from environment variables.
func LoadClient() (*Client, error) {
	var cfg Client
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	return &cfg, nil
}

// Resolve fills derived fields and validates. Call it after flags have
// been applied.
func (c *Client) Resolve() error {
	if c.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.MapURL == "" {
		mapURL, err := DeriveMapURL(c.URL)
		if err != nil {
			return err
		}
		c.MapURL = mapURL
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("invalid reconnect window %s..%s", c.ReconnectMin, c.ReconnectMax)
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(os.TempDir(), "quest-client.log")
	}
	return nil
}

// DeriveMapURL maps ws://host:port/ws to http://host:port/api/map.
func DeriveMapURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = "/api/map"
	u.RawQuery = ""
	return u.String(), nil
}
