package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func clientMessage(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeGameEnded, GameEndedPayload{ExitCode: 3})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeGameEnded {
		t.Errorf("expected type %s, got %s", TypeGameEnded, msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p GameEndedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", p.ExitCode)
	}
}

func TestNewMessage_NilPayloadIsEmptyObject(t *testing.T) {
	msg, err := NewMessage(TypeStartGame, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if string(msg.Payload) != "{}" {
		t.Errorf("expected {}, got %s", msg.Payload)
	}
}

func TestGameEndedPayload_WireName(t *testing.T) {
	data, _ := json.Marshal(GameEndedPayload{ExitCode: 1})
	if string(data) != `{"exit_code":1}` {
		t.Errorf("unexpected wire form: %s", data)
	}
}

func TestValidateClientMessage_StartGame(t *testing.T) {
	result, err := ValidateClientMessage(clientMessage(t, TypeStartGame, map[string]interface{}{}))
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	if result.Type != TypeStartGame {
		t.Errorf("expected type %s, got %s", TypeStartGame, result.Type)
	}
}

func TestValidateClientMessage_TerminalInput(t *testing.T) {
	_, err := ValidateClientMessage(clientMessage(t, TypeTerminalInput, map[string]interface{}{"input": "ls\n"}))
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_TerminalInputEmptyStringAllowed(t *testing.T) {
	_, err := ValidateClientMessage(clientMessage(t, TypeTerminalInput, map[string]interface{}{"input": ""}))
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_MissingInput(t *testing.T) {
	_, err := ValidateClientMessage(clientMessage(t, TypeTerminalInput, map[string]interface{}{}))
	if err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestValidateClientMessage_Resize(t *testing.T) {
	_, err := ValidateClientMessage(clientMessage(t, TypeResize, map[string]interface{}{"rows": 24, "cols": 80}))
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_ResizeBadGeometry(t *testing.T) {
	cases := []map[string]interface{}{
		{"rows": 0, "cols": 80},
		{"rows": 24},
		{"rows": 24, "cols": 70000},
		{"rows": -1, "cols": -1},
	}
	for _, payload := range cases {
		if _, err := ValidateClientMessage(clientMessage(t, TypeResize, payload)); err == nil {
			t.Errorf("expected error for %v", payload)
		}
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"payload":{}}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateClientMessage_ServerTypeRejected(t *testing.T) {
	_, err := ValidateClientMessage(clientMessage(t, TypeGameStarted, map[string]interface{}{}))
	if err == nil {
		t.Fatal("expected error for server-only type")
	}
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"type":"start_game","timestamp":"2024-01-01T00:00:00.000Z"}`))
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestParseMapUpdate_Snapshot(t *testing.T) {
	raw := []byte(`{"kind":"snapshot","nodes":[{"id":"core1","status":"current"},{"id":"core2","status":"visited"}]}`)
	p, err := ParseMapUpdate(raw)
	if err != nil {
		t.Fatalf("ParseMapUpdate failed: %v", err)
	}
	if len(p.Nodes) != 2 || p.Nodes[0].ID != "core1" {
		t.Errorf("unexpected nodes: %+v", p.Nodes)
	}
}

func TestParseMapUpdate_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"kind":`,
		"missing kind":   `{"nodes":[]}`,
		"missing id":     `{"kind":"snapshot","nodes":[{"status":"visited"}]}`,
		"unknown status": `{"kind":"snapshot","nodes":[{"id":"core1","status":"burning"}]}`,
		"duplicate id":   `{"kind":"snapshot","nodes":[{"id":"a","status":"visited"},{"id":"a","status":"current"}]}`,
	}
	for name, raw := range cases {
		if _, err := ParseMapUpdate([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseMapUpdate_OtherKindPassesThrough(t *testing.T) {
	p, err := ParseMapUpdate([]byte(`{"kind":"delta","nodes":[{"id":"x","status":"???"}]}`))
	if err != nil {
		t.Fatalf("expected delta to decode, got %v", err)
	}
	if p.Kind != MapKindDelta {
		t.Errorf("expected kind delta, got %s", p.Kind)
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrNoGame, "no game running")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrNoGame {
		t.Errorf("expected code %s, got %s", ErrNoGame, p.Code)
	}
}
