package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhouzirui/dyno-tavern/backend/internal/handler"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/chat/chattest"
)

func startBackend(t *testing.T) (*chattest.Env, string) {
	t.Helper()
	env := chattest.New(t)
	srv := httptest.NewServer(handler.NewRouter(env.Personas, env.Service, env.Orchestrator, nil))
	t.Cleanup(srv.Close)
	return env, srv.URL
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPersonasCommand(t *testing.T) {
	_, server := startBackend(t)

	out, err := run(t, server, "personas")
	if err != nil {
		t.Fatalf("personas err: %v", err)
	}
	for _, id := range []string{"dyno", "dyna", "mario"} {
		if !strings.Contains(out, id) {
			t.Errorf("output missing %s: %q", id, out)
		}
	}
}

func TestChatRoundTrip(t *testing.T) {
	_, server := startBackend(t)

	out, err := run(t, server, "session", "create", "dyna")
	if err != nil {
		t.Fatalf("session create err: %v", err)
	}
	sessionID := strings.TrimSpace(out)

	out, err = run(t, server, "chat", sessionID, "hello", "dyna")
	if err != nil {
		t.Fatalf("chat err: %v", err)
	}
	if strings.TrimSpace(out) != "Hi there!" {
		t.Fatalf("unexpected reply %q", out)
	}

	out, err = run(t, server, "history", sessionID)
	if err != nil {
		t.Fatalf("history err: %v", err)
	}
	want := "#1 user: hello dyna\n#2 assistant: Hi there!\n"
	if out != want {
		t.Fatalf("history = %q, want %q", out, want)
	}

	if _, err := run(t, server, "clear", sessionID); err != nil {
		t.Fatalf("clear err: %v", err)
	}
	out, _ = run(t, server, "history", sessionID)
	if out != "" {
		t.Fatalf("expected empty history after clear, got %q", out)
	}
}

func TestChatReportsServiceUnavailable(t *testing.T) {
	env, server := startBackend(t)
	env.Model.Set(func(m *chattest.ScriptedModel) {
		m.OpenErr = errors.New("connection refused")
	})

	sessionID, err := run(t, server, "session", "create", "dyno")
	if err != nil {
		t.Fatalf("session create err: %v", err)
	}

	_, err = run(t, server, "chat", strings.TrimSpace(sessionID), "hi")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Kind != "service_unavailable" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestUnknownSession(t *testing.T) {
	_, server := startBackend(t)

	_, err := run(t, server, "stats", "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHealthCommand(t *testing.T) {
	_, server := startBackend(t)

	out, err := run(t, server, "health")
	if err != nil {
		t.Fatalf("health err: %v", err)
	}
	if !strings.Contains(out, "status=ok") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestUploadCommand(t *testing.T) {
	env, server := startBackend(t)

	out, err := run(t, server, "session", "create", "mario")
	if err != nil {
		t.Fatalf("session create err: %v", err)
	}
	sessionID := strings.TrimSpace(out)

	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("The boiler is in the basement."), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, server, "upload", sessionID, notes)
	if err != nil {
		t.Fatalf("upload err: %v", err)
	}
	if out != "notes.txt: 1 excerpts stored\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if count, _ := env.Store.Count(context.Background(), "mario"); count != 1 {
		t.Fatalf("expected 1 stored turn, got %d", count)
	}

	scan := filepath.Join(dir, "scan.pdf")
	if err := os.WriteFile(scan, []byte("%PDF-1.7"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = run(t, server, "upload", sessionID, scan)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 api error, got %v", err)
	}
}
