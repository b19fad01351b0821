package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/chat/chattest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ingest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
)

func setupRouter(t *testing.T) (*chi.Mux, *chattest.Env) {
	env := chattest.New(t)
	r := chi.NewRouter()
	New(env.Service).RegisterRoutes(r)
	return r, env
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createSession(t *testing.T, r http.Handler, personaID string) SessionView {
	t.Helper()
	resp := doJSON(r, http.MethodPost, "/sessions", map[string]string{"personaId": personaID})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var view SessionView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return view
}

func TestCreateSessionValidPersona(t *testing.T) {
	r, _ := setupRouter(t)

	view := createSession(t, r, "dyna")
	if view.SessionID == "" {
		t.Fatal("expected session id")
	}
	if view.Persona.ID != "dyna" || view.State != "idle" || view.ContextWindow != 5 {
		t.Fatalf("unexpected snapshot: %+v", view)
	}
	if view.History == nil || len(view.History) != 0 {
		t.Fatalf("expected empty history, got %v", view.History)
	}
}

func TestCreateSessionInvalidPersona(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(r, http.MethodPost, "/sessions", map[string]string{"personaId": "non-existent"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCreateSessionMissingPersonaID(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(r, http.MethodPost, "/sessions", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCreateSessionRejectsBadWindow(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(r, http.MethodPost, "/sessions", map[string]any{"personaId": "dyno", "window": 40})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r, _ := setupRouter(t)

	resp := doJSON(r, http.MethodGet, "/sessions/missing/stats", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSetWindowAndSwitchPersona(t *testing.T) {
	r, _ := setupRouter(t)
	view := createSession(t, r, "dyno")
	base := "/sessions/" + view.SessionID

	resp := doJSON(r, http.MethodPut, base+"/window", map[string]int{"size": 9})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp = doJSON(r, http.MethodPut, base+"/window", map[string]int{"size": 2})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for window 2, got %d", resp.Code)
	}

	resp = doJSON(r, http.MethodPut, base+"/persona", map[string]string{"personaId": "mario"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var switched SessionView
	if err := json.Unmarshal(resp.Body.Bytes(), &switched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if switched.PersonaID != "mario" || switched.ContextWindow != 9 {
		t.Fatalf("unexpected snapshot after switch: %+v", switched.Stats)
	}
}

func TestHistoryAndClear(t *testing.T) {
	r, env := setupRouter(t)
	view := createSession(t, r, "dyno")
	base := "/sessions/" + view.SessionID

	session, err := env.Service.GetSession(context.Background(), view.SessionID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	reply, err := session.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	for {
		if _, err := reply.Next(); err != nil {
			break
		}
	}

	resp := doJSON(r, http.MethodGet, base+"/history", nil)
	var history []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(history))
	}

	resp = doJSON(r, http.MethodPost, base+"/clear", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	count, err := env.Store.Count(context.Background(), "dyno")
	if err != nil || count != 0 {
		t.Fatalf("expected empty store, got %d (%v)", count, err)
	}
}

func TestCancelWhenIdle(t *testing.T) {
	r, _ := setupRouter(t)
	view := createSession(t, r, "dyno")

	resp := doJSON(r, http.MethodPost, "/sessions/"+view.SessionID+"/cancel", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["canceled"] != false {
		t.Fatalf("expected canceled=false, got %v", body["canceled"])
	}
}

func TestEndSession(t *testing.T) {
	r, _ := setupRouter(t)
	view := createSession(t, r, "dyno")

	resp := doJSON(r, http.MethodDelete, "/sessions/"+view.SessionID, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	resp = doJSON(r, http.MethodGet, "/sessions/"+view.SessionID, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after end, got %d", resp.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{chatservice.ErrSessionNotFound, http.StatusNotFound},
		{chatservice.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", chatservice.ErrBusy), http.StatusConflict},
		{chatservice.ErrSwitchNotAllowed, http.StatusConflict},
		{fmt.Errorf("%w: refused", ai.ErrServiceUnavailable), http.StatusServiceUnavailable},
		{&memory.StorageError{Op: "append", PersonaID: "dyno", Err: errors.New("disk")}, http.StatusBadGateway},
		{fmt.Errorf("%w: cleared", ai.ErrCanceled), http.StatusConflict},
		{fmt.Errorf("%w: scan.pdf", ingest.ErrUnsupportedFormat), http.StatusUnsupportedMediaType},
		{ingest.ErrEmptyDocument, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func upload(r http.Handler, sessionID string, files map[string]string) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		part, _ := mw.CreateFormFile("file", name)
		part.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID+"/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestUploadDocumentStoresExcerpts(t *testing.T) {
	r, env := setupRouter(t)
	view := createSession(t, r, "dyna")

	resp := upload(r, view.SessionID, map[string]string{"pets.csv": "name,species\nMiso,cat\nRex,dog\n"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Documents []chatservice.DocumentResult `json:"documents"`
		Stats     struct {
			TurnCount int `json:"turnCount"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Documents) != 1 || body.Documents[0].Source != "pets.csv" || body.Documents[0].Excerpts != 1 {
		t.Fatalf("unexpected documents %+v", body.Documents)
	}
	if body.Stats.TurnCount != 1 {
		t.Fatalf("expected 1 turn, got %d", body.Stats.TurnCount)
	}

	turns, err := env.Store.Recent(context.Background(), "dyna", 10)
	if err != nil || len(turns) != 1 {
		t.Fatalf("expected the excerpt in memory, got %v (%v)", turns, err)
	}
	if want := "[document pets.csv, part 1/1]\nname: Miso; species: cat\n\nname: Rex; species: dog"; turns[0].Content != want {
		t.Fatalf("unexpected stored excerpt %q", turns[0].Content)
	}
}

func TestUploadDocumentErrors(t *testing.T) {
	r, _ := setupRouter(t)
	view := createSession(t, r, "dyno")

	resp := upload(r, view.SessionID, map[string]string{"scan.pdf": "%PDF-1.7"})
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d: %s", resp.Code, resp.Body.String())
	}
	var body map[string]string
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["kind"] != "unsupported_document" {
		t.Fatalf("unexpected body %v", body)
	}

	resp = upload(r, view.SessionID, map[string]string{"empty.txt": "  "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty document, got %d", resp.Code)
	}

	resp = upload(r, view.SessionID, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a file, got %d", resp.Code)
	}

	resp = doJSON(r, http.MethodPost, "/sessions/"+view.SessionID+"/documents", map[string]string{"file": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-multipart body, got %d", resp.Code)
	}

	resp = upload(r, "missing", map[string]string{"a.txt": "hello"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session, got %d", resp.Code)
	}
}
