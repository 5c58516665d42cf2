package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"computer-quest/internal/game"
	"computer-quest/internal/protocol"

	"github.com/gorilla/websocket"
)

type staticMap struct {
	raw json.RawMessage
}

func (m staticMap) Latest() (json.RawMessage, bool) {
	return m.raw, m.raw != nil
}

const testSnapshot = `{"kind":"snapshot","nodes":[{"id":"core1","status":"current"}]}`

func newTestServer(t *testing.T, script string, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Games == nil {
		opts.Games = game.NewManager(game.Options{
			Command:         []string{"/bin/sh", "-c", script},
			MaxGames:        4,
			GracefulTimeout: time.Second,
		})
	}
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil skips messages until one of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	for {
		msg := read(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorPayload {
	t.Helper()
	msg := readUntil(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

// handshake round-trips an invalid message so the connection is known to be
// registered and idle.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, `{"type":"ping","payload":{}}`)
	if p := readError(t, conn); p.Code != protocol.ErrInvalidMessage {
		t.Fatalf("expected %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, "true", Options{})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("unexpected health response %d %v", resp.StatusCode, body)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, "true", Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/map", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestServer_MapNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "true", Options{Map: staticMap{}})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/map", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_MapServed(t *testing.T) {
	srv, _ := newTestServer(t, "true", Options{Map: staticMap{raw: json.RawMessage(testSnapshot)}})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/map", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != testSnapshot {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestServer_ListGamesEmpty(t *testing.T) {
	srv, _ := newTestServer(t, "true", Options{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/games", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var games []*game.Game
	json.NewDecoder(w.Body).Decode(&games)
	if len(games) != 0 {
		t.Errorf("expected no games, got %d", len(games))
	}
}

func TestServer_GetGameNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "true", Options{})

	for _, path := range []string{"/api/games/nope", "/api/games/nope/output"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "true", Options{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "quest_ws_connections") {
		t.Error("expected quest metrics in exposition")
	}
}

func TestServer_InvalidMessage(t *testing.T) {
	_, ts := newTestServer(t, "true", Options{})
	conn := dial(t, ts)

	for _, raw := range []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"terminal_input","payload":{}}`,
		`{"type":"resize","payload":{"rows":0,"cols":80}}`,
	} {
		send(t, conn, raw)
		if p := readError(t, conn); p.Code != protocol.ErrInvalidMessage {
			t.Errorf("%s: expected %s, got %s", raw, protocol.ErrInvalidMessage, p.Code)
		}
	}
}

func TestServer_InputWithoutGame(t *testing.T) {
	_, ts := newTestServer(t, "true", Options{})
	conn := dial(t, ts)

	send(t, conn, `{"type":"terminal_input","payload":{"input":"look\r"}}`)
	msg := readUntil(t, conn, protocol.TypeError)
	if msg.Timestamp.IsZero() {
		t.Error("error message has no timestamp")
	}
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrNoGame || p.Message == "" {
		t.Errorf("expected %s with a message, got %+v", protocol.ErrNoGame, p)
	}
}

func TestServer_RateLimited(t *testing.T) {
	_, ts := newTestServer(t, "true", Options{InputRate: 0.001, InputBurst: 1})
	conn := dial(t, ts)

	handshake(t, conn)
	send(t, conn, `{"type":"start_game","payload":{}}`)
	if p := readError(t, conn); p.Code != protocol.ErrRateLimited {
		t.Errorf("expected %s, got %s", protocol.ErrRateLimited, p.Code)
	}
}

func TestServer_StartGameFlow(t *testing.T) {
	_, ts := newTestServer(t, "printf 'boot ok\\n'; exit 3", Options{})
	conn := dial(t, ts)

	send(t, conn, `{"type":"start_game","payload":{}}`)
	if msg := read(t, conn); msg.Type != protocol.TypeGameStarted {
		t.Fatalf("expected %s first, got %s", protocol.TypeGameStarted, msg.Type)
	}

	var output strings.Builder
	for {
		msg := read(t, conn)
		if msg.Type == protocol.TypeTerminalOutput {
			var p protocol.TerminalOutputPayload
			json.Unmarshal(msg.Payload, &p)
			output.WriteString(p.Output)
			continue
		}
		if msg.Type != protocol.TypeGameEnded {
			t.Fatalf("unexpected message %s", msg.Type)
		}
		var p protocol.GameEndedPayload
		json.Unmarshal(msg.Payload, &p)
		if p.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", p.ExitCode)
		}
		break
	}
	if !strings.Contains(output.String(), "boot ok") {
		t.Errorf("output %q missing game text", output.String())
	}
}

func TestServer_InputReachesGame(t *testing.T) {
	_, ts := newTestServer(t, `read cmd; echo "you typed $cmd"`, Options{})
	conn := dial(t, ts)

	send(t, conn, `{"type":"start_game","payload":{}}`)
	readUntil(t, conn, protocol.TypeGameStarted)
	send(t, conn, `{"type":"terminal_input","payload":{"input":"north\r"}}`)

	var output strings.Builder
	for {
		msg := read(t, conn)
		if msg.Type == protocol.TypeGameEnded {
			break
		}
		if msg.Type == protocol.TypeTerminalOutput {
			var p protocol.TerminalOutputPayload
			json.Unmarshal(msg.Payload, &p)
			output.WriteString(p.Output)
		}
	}
	if !strings.Contains(output.String(), "you typed north") {
		t.Errorf("output %q missing echoed command", output.String())
	}
}

func TestServer_ResizeAppliedToGame(t *testing.T) {
	_, ts := newTestServer(t, "stty size", Options{})
	conn := dial(t, ts)

	send(t, conn, `{"type":"resize","payload":{"rows":33,"cols":101}}`)
	send(t, conn, `{"type":"start_game","payload":{}}`)
	readUntil(t, conn, protocol.TypeGameStarted)

	var output strings.Builder
	for {
		msg := read(t, conn)
		if msg.Type == protocol.TypeGameEnded {
			break
		}
		var p protocol.TerminalOutputPayload
		json.Unmarshal(msg.Payload, &p)
		output.WriteString(p.Output)
	}
	if !strings.Contains(output.String(), "33 101") {
		t.Errorf("game saw size %q, want 33 101", output.String())
	}
}

func TestServer_SpawnFailed(t *testing.T) {
	games := game.NewManager(game.Options{Command: []string{"/nonexistent/quest-binary"}, MaxGames: 1})
	_, ts := newTestServer(t, "", Options{Games: games})
	conn := dial(t, ts)

	send(t, conn, `{"type":"start_game","payload":{}}`)
	if p := readError(t, conn); p.Code != protocol.ErrSpawnFailed {
		t.Errorf("expected %s, got %s", protocol.ErrSpawnFailed, p.Code)
	}
}

func TestServer_MaxGames(t *testing.T) {
	games := game.NewManager(game.Options{
		Command:  []string{"/bin/sh", "-c", "exec sleep 30"},
		MaxGames: 1,
	})
	_, ts := newTestServer(t, "", Options{Games: games})

	first := dial(t, ts)
	send(t, first, `{"type":"start_game","payload":{}}`)
	readUntil(t, first, protocol.TypeGameStarted)

	second := dial(t, ts)
	send(t, second, `{"type":"start_game","payload":{}}`)
	if p := readError(t, second); p.Code != protocol.ErrMaxGames {
		t.Errorf("expected %s, got %s", protocol.ErrMaxGames, p.Code)
	}
}

func TestServer_RestartAtGameLimit(t *testing.T) {
	games := game.NewManager(game.Options{
		Command:         []string{"/bin/sh", "-c", "exec sleep 30"},
		MaxGames:        1,
		GracefulTimeout: time.Second,
	})
	_, ts := newTestServer(t, "", Options{Games: games})
	conn := dial(t, ts)

	send(t, conn, `{"type":"start_game","payload":{}}`)
	readUntil(t, conn, protocol.TypeGameStarted)

	// The old game holds the only slot until it has exited.
	send(t, conn, `{"type":"start_game","payload":{}}`)
	msg := read(t, conn)
	if msg.Type != protocol.TypeGameStarted {
		t.Fatalf("expected a second %s, got %s %s", protocol.TypeGameStarted, msg.Type, msg.Payload)
	}
}

func TestServer_DisconnectStopsGame(t *testing.T) {
	games := game.NewManager(game.Options{
		Command:         []string{"/bin/sh", "-c", "exec sleep 30"},
		MaxGames:        1,
		GracefulTimeout: time.Second,
	})
	_, ts := newTestServer(t, "", Options{Games: games})

	conn := dial(t, ts)
	send(t, conn, `{"type":"start_game","payload":{}}`)
	readUntil(t, conn, protocol.TypeGameStarted)
	if n := len(games.List()); n != 1 {
		t.Fatalf("expected 1 game, got %d", n)
	}

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for len(games.List()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("game still present after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServer_MapSentOnConnect(t *testing.T) {
	_, ts := newTestServer(t, "true", Options{Map: staticMap{raw: json.RawMessage(testSnapshot)}})
	conn := dial(t, ts)

	msg := read(t, conn)
	if msg.Type != protocol.TypeMapUpdate {
		t.Fatalf("expected %s, got %s", protocol.TypeMapUpdate, msg.Type)
	}
	if string(msg.Payload) != testSnapshot {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
}

func TestServer_MapBroadcast(t *testing.T) {
	srv, ts := newTestServer(t, "true", Options{})
	a := dial(t, ts)
	b := dial(t, ts)
	handshake(t, a)
	handshake(t, b)

	raw := json.RawMessage(testSnapshot)
	update, err := protocol.ParseMapUpdate(raw)
	if err != nil {
		t.Fatal(err)
	}
	srv.OnMapUpdate(update, raw)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readUntil(t, conn, protocol.TypeMapUpdate)
		if string(msg.Payload) != testSnapshot {
			t.Errorf("unexpected payload %s", msg.Payload)
		}
	}
}
