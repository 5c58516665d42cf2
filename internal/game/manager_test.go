package game

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func shManager(script string) *Manager {
	return NewManager(Options{
		Command:         []string{"/bin/sh", "-c", script},
		MaxGames:        4,
		GracefulTimeout: 2 * time.Second,
	})
}

// collect drains events until the channel closes.
func collect(t *testing.T, events <-chan Event) (string, []Event) {
	t.Helper()
	var out strings.Builder
	var all []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out.String(), all
			}
			all = append(all, ev)
			if ev.Type == EventOutput {
				out.WriteString(ev.Data)
			}
		case <-deadline:
			t.Fatal("timed out waiting for game events")
		}
	}
}

func TestManager_StartWithoutCommand(t *testing.T) {
	mgr := NewManager(Options{MaxGames: 1})
	if _, _, err := mgr.Start("owner", Size{}); err == nil {
		t.Fatal("expected error without command")
	}
}

func TestManager_StartInvalidDir(t *testing.T) {
	mgr := NewManager(Options{Command: []string{"true"}, Dir: "/nonexistent/path/xyz", MaxGames: 1})
	if _, _, err := mgr.Start("owner", Size{}); err == nil {
		t.Fatal("expected error for nonexistent game dir")
	}
}

func TestManager_StartDirIsFile(t *testing.T) {
	f, err := os.CreateTemp("", "game")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	mgr := NewManager(Options{Command: []string{"true"}, Dir: f.Name(), MaxGames: 1})
	if _, _, err := mgr.Start("owner", Size{}); err == nil {
		t.Fatal("expected error for file path")
	}
}

func TestManager_MaxGamesLimit(t *testing.T) {
	mgr := NewManager(Options{Command: []string{"true"}, MaxGames: 0})
	_, _, err := mgr.Start("owner", Size{})
	if !errors.Is(err, ErrMaxGames) {
		t.Fatalf("expected ErrMaxGames, got %v", err)
	}
}

func TestManager_SpawnFailure(t *testing.T) {
	mgr := NewManager(Options{Command: []string{"/nonexistent/game-binary"}, MaxGames: 1})
	if _, _, err := mgr.Start("owner", Size{}); err == nil {
		t.Fatal("expected spawn error")
	}
	if n := len(mgr.List()); n != 0 {
		t.Errorf("expected no games after failed spawn, got %d", n)
	}
}

func TestManager_OutputThenExit(t *testing.T) {
	mgr := shManager(`printf 'hello'; exit 3`)
	g, events, err := mgr.Start("owner", Size{})
	if err != nil {
		t.Fatal(err)
	}
	if g.Size != DefaultSize {
		t.Errorf("expected default size, got %+v", g.Size)
	}

	out, all := collect(t, events)
	if out != "hello" {
		t.Errorf("expected output %q, got %q", "hello", out)
	}
	last := all[len(all)-1]
	if last.Type != EventExit || last.ExitCode != 3 {
		t.Fatalf("expected exit 3 as last event, got %+v", last)
	}
	for _, ev := range all[:len(all)-1] {
		if ev.Type != EventOutput {
			t.Errorf("unexpected event before exit: %+v", ev)
		}
	}

	info, err := mgr.Get(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != StateExited || info.ExitCode == nil || *info.ExitCode != 3 {
		t.Errorf("unexpected final state %+v", info)
	}
}

func TestManager_WriteReachesProcess(t *testing.T) {
	mgr := shManager(`read line; echo "got:$line"`)
	g, events, err := mgr.Start("owner", Size{})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Write(g.ID, []byte("ping\n")); err != nil {
		t.Fatal(err)
	}

	out, _ := collect(t, events)
	if !strings.Contains(out, "got:ping") {
		t.Errorf("expected echoed input, got %q", out)
	}
	if err := mgr.Write(g.ID, []byte("late\n")); err == nil {
		t.Error("expected error writing to exited game")
	}
}

func TestManager_ResizeAppliesToPTY(t *testing.T) {
	mgr := shManager(`read x; stty size`)
	g, events, err := mgr.Start("owner", Size{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Resize(g.ID, Size{Rows: 40, Cols: 100}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Write(g.ID, []byte("\n")); err != nil {
		t.Fatal(err)
	}

	out, _ := collect(t, events)
	if !strings.Contains(out, "40 100") {
		t.Errorf("expected resized geometry in output, got %q", out)
	}
}

func TestManager_StopTerminatesAndRemoves(t *testing.T) {
	mgr := shManager(`sleep 30`)
	g, _, err := mgr.Start("owner", Size{})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Stop(g.ID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx, g.ID); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := mgr.Get(g.ID); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stopped game was not removed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestManager_ShutdownStopsAll(t *testing.T) {
	mgr := shManager(`sleep 30`)
	for i := 0; i < 2; i++ {
		if _, _, err := mgr.Start("owner", Size{}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)
	if ctx.Err() != nil {
		t.Fatal("shutdown did not finish before the deadline")
	}
}

// The returned game is a snapshot taken at spawn, even when the process
// exits before Start returns.
func TestManager_StartReturnsSpawnSnapshot(t *testing.T) {
	mgr := NewManager(Options{Command: []string{"/bin/true"}, MaxGames: 4})
	for i := 0; i < 20; i++ {
		g, events, err := mgr.Start("owner", Size{})
		if err != nil {
			t.Fatal(err)
		}
		if g.State != StateRunning || g.ExitCode != nil || g.StartedAt.IsZero() {
			t.Fatalf("unexpected snapshot %+v", g)
		}
		collect(t, events)
		if err := mgr.Stop(g.ID); err != nil && !errors.Is(err, ErrNotFound) {
			t.Fatal(err)
		}
	}
}

func TestManager_HistoryKeepsOutput(t *testing.T) {
	mgr := shManager(`printf 'abc'`)
	g, events, err := mgr.Start("owner", Size{})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, events)

	history, err := mgr.History(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) == 0 || history[len(history)-1].Type != EventExit {
		t.Fatalf("expected history ending with exit, got %+v", history)
	}
}

func TestManager_NotFound(t *testing.T) {
	mgr := NewManager(Options{MaxGames: 1})
	if _, err := mgr.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Write("nope", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Write: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Resize("nope", DefaultSize); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resize: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Stop("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop: expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.History("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("History: expected ErrNotFound, got %v", err)
	}
}
