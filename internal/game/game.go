package game

import "time"

// State represents the lifecycle state of a game process.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
)

// Size is a PTY window size in character cells.
type Size struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// DefaultSize is used until the client reports its geometry.
var DefaultSize = Size{Rows: 24, Cols: 80}

func (s Size) orDefault() Size {
	if s.Rows <= 0 || s.Cols <= 0 {
		return DefaultSize
	}
	return s
}

// Game holds metadata for one game process.
type Game struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	State     State     `json:"state"`
	Size      Size      `json:"size"`
	StartedAt time.Time `json:"startedAt"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

// EventType distinguishes output and exit events.
type EventType string

const (
	EventOutput EventType = "output"
	EventExit   EventType = "exit"
)

// Event is one output chunk or the final exit notice of a game. Output
// chunks never split a UTF-8 sequence. Exit is always the last event.
type Event struct {
	GameID    string    `json:"gameId"`
	Type      EventType `json:"type"`
	Data      string    `json:"data,omitempty"`
	ExitCode  int       `json:"exitCode"`
	Timestamp time.Time `json:"timestamp"`
}
