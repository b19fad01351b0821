package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/dyno-tavern/backend/internal/service/chat/chattest"
)

func setup(t *testing.T) (*chattest.Env, http.Handler, string) {
	env := chattest.New(t)
	r := chi.NewRouter()
	New(env.Service).RegisterRoutes(r)

	session, err := env.Service.CreateSession(context.Background(), "dyno", 0)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	return env, r, session.ID()
}

func readEvents(t *testing.T, body string) []StreamResponse {
	t.Helper()
	var events []StreamResponse
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func eventNames(events []StreamResponse) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return names
}

func streamPath(sessionID, message string) string {
	return "/stream/" + sessionID + "?message=" + url.QueryEscape(message)
}

func TestStreamCompletesTurn(t *testing.T) {
	env, r, sessionID := setup(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, streamPath(sessionID, "hi dyno"), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	got := strings.Join(eventNames(events), ",")
	if got != "start,delta,delta,delta,message,end" {
		t.Fatalf("unexpected event sequence %s", got)
	}
	message := events[4]
	if message.Content != "Hi there!" || message.Seq != 2 {
		t.Fatalf("unexpected message event %+v", message)
	}
	if events[5].State != "idle" {
		t.Fatalf("expected idle after end, got %q", events[5].State)
	}

	count, err := env.Store.Count(context.Background(), "dyno")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 stored turns, got %d (%v)", count, err)
	}
}

func TestStreamInterruptedEmitsError(t *testing.T) {
	env, r, sessionID := setup(t)
	env.Model.Set(func(m *chattest.ScriptedModel) {
		m.Chunks = []string{"Hel"}
		m.EndErr = errors.New("connection reset")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, streamPath(sessionID, "hello"), nil))

	events := readEvents(t, rec.Body.String())
	last := events[len(events)-1]
	if last.Event != "error" || last.Kind != "stream_interrupted" || last.State != "error" {
		t.Fatalf("unexpected terminal event %+v", last)
	}

	count, _ := env.Store.Count(context.Background(), "dyno")
	if count != 1 {
		t.Fatalf("expected only the user turn stored, got %d", count)
	}
}

func TestStreamServiceUnavailable(t *testing.T) {
	env, r, sessionID := setup(t)
	env.Model.Set(func(m *chattest.ScriptedModel) {
		m.OpenErr = errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, streamPath(sessionID, "hello"), nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body StreamResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "service_unavailable" || body.State != "error" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestStreamValidation(t *testing.T) {
	_, r, sessionID := setup(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/"+sessionID, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without message, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, streamPath("missing", "hi"), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, streamPath(sessionID, "   "), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", rec.Code)
	}
}

// brokenWriter fails every write whose payload contains failOn.
type brokenWriter struct {
	*httptest.ResponseRecorder
	failOn string
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	if strings.Contains(string(p), w.failOn) {
		return 0, errors.New("connection reset by peer")
	}
	return w.ResponseRecorder.Write(p)
}

func TestStreamReportsFailedTrailerWrites(t *testing.T) {
	for _, event := range []string{"message", "end"} {
		t.Run(event, func(t *testing.T) {
			env, _, sessionID := setup(t)
			h := New(env.Service)
			w := &brokenWriter{ResponseRecorder: httptest.NewRecorder(), failOn: `"event":"` + event + `"`}

			err := h.HandleStreamRequest(context.Background(), w, sessionID, "hi dyno")
			if err == nil || !strings.Contains(err.Error(), "connection reset") {
				t.Fatalf("expected the write failure to be returned, got %v", err)
			}

			names := eventNames(readEvents(t, w.Body.String()))
			for _, name := range names {
				if name == event || name == "end" {
					t.Fatalf("event %s should not have been written, got %v", name, names)
				}
			}

			// The reply was committed before the trailer was written.
			count, _ := env.Store.Count(context.Background(), "dyno")
			if count != 2 {
				t.Fatalf("expected 2 stored turns, got %d", count)
			}
		})
	}
}

func TestStreamErrorEventWriteFailureKeepsCause(t *testing.T) {
	env, _, sessionID := setup(t)
	env.Model.Set(func(m *chattest.ScriptedModel) { m.EndErr = errors.New("connection reset") })
	h := New(env.Service)
	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder(), failOn: `"event":"error"`}

	err := h.HandleStreamRequest(context.Background(), w, sessionID, "hi dyno")
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("expected the turn error to win over the write failure, got %v", err)
	}
	for _, name := range eventNames(readEvents(t, w.Body.String())) {
		if name == "error" {
			t.Fatal("error event should not have been written")
		}
	}
}
