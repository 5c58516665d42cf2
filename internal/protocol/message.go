package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for every event on the websocket channel.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage wraps payload in an envelope stamped with the current time.
// A nil payload is encoded as an empty object.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode marshals an envelope for msgType and payload in one step.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Transport lifecycle events. These never appear on the wire; the transport
// raises them locally on handshake and on loss.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Client → Server event types.
const (
	TypeStartGame     = "start_game"
	TypeTerminalInput = "terminal_input"
	TypeResize        = "resize"
)

// Server → Client event types.
const (
	TypeGameStarted    = "game_started"
	TypeGameEnded      = "game_ended"
	TypeTerminalOutput = "terminal_output"
	TypeMapUpdate      = "map_update"
	TypeError          = "error"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrNoGame         = "NO_GAME"
	ErrSpawnFailed    = "SPAWN_FAILED"
	ErrMaxGames       = "MAX_GAMES"
	ErrRateLimited    = "RATE_LIMITED"
)

// Map update kinds.
const (
	MapKindSnapshot = "snapshot"
	MapKindDelta    = "delta"
)

// Map node statuses as they appear on the wire.
const (
	StatusUnvisited = "unvisited"
	StatusCurrent   = "current"
	StatusVisited   = "visited"
)

// Client → Server payloads.

type StartGamePayload struct{}

type TerminalInputPayload struct {
	Input string `json:"input"`
}

type ResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Server → Client payloads.

type GameStartedPayload struct{}

type GameEndedPayload struct {
	ExitCode int `json:"exit_code"`
}

type TerminalOutputPayload struct {
	Output string `json:"output"`
}

// MapUpdatePayload carries node statuses. Only the snapshot kind replaces
// state; a snapshot lists every node the server knows about.
type MapUpdatePayload struct {
	Kind  string       `json:"kind"`
	Nodes []NodeStatus `json:"nodes"`
}

type NodeStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
