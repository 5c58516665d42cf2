package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeStartGame:     true,
	TypeTerminalInput: true,
	TypeResize:        true,
}

var validStatuses = map[string]bool{
	StatusUnvisited: true,
	StatusCurrent:   true,
	StatusVisited:   true,
}

// DecodeMessage parses an envelope without checking its type.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	return &msg, nil
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeTerminalInput:
		var p struct {
			Input *string `json:"input"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Input == nil {
			return nil, fmt.Errorf("missing required field 'input' in %s payload", msg.Type)
		}

	case TypeResize:
		var p ResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Rows <= 0 || p.Cols <= 0 || p.Rows > math.MaxUint16 || p.Cols > math.MaxUint16 {
			return nil, fmt.Errorf("invalid geometry %dx%d in %s payload", p.Rows, p.Cols, msg.Type)
		}
	}

	return msg, nil
}

// ParseMapUpdate decodes and checks a map_update payload. It rejects the
// whole update if any entry is invalid.
func ParseMapUpdate(raw []byte) (*MapUpdatePayload, error) {
	var p MapUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid map update: %w", err)
	}
	if p.Kind == "" {
		return nil, fmt.Errorf("missing 'kind' field in map update")
	}
	if p.Kind != MapKindSnapshot {
		return &p, nil
	}

	seen := make(map[string]bool, len(p.Nodes))
	for i, n := range p.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("map update node %d: missing id", i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("map update node %q: duplicate id", n.ID)
		}
		seen[n.ID] = true
		if !validStatuses[n.Status] {
			return nil, fmt.Errorf("map update node %q: unknown status %q", n.ID, n.Status)
		}
	}
	return &p, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
