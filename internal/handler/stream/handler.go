package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chatHandler "github.com/zhouzirui/dyno-tavern/backend/internal/handler/chat"
	chatService "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/pkg/utils"
)

// Handler manages streaming AI responses via Server-Sent Events
type Handler struct {
	chatSvc *chatService.Service
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes mounts the SSE endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	PersonaID string `json:"personaId,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Kind      string `json:"kind,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := r.URL.Query().Get("message")
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, sessionID, userMessage); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("[stream] request ended with error")
	}
}

// HandleStreamRequest runs one turn and relays it as SSE events. Errors found
// before the stream opens are answered with a plain JSON status instead.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID string, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return fmt.Errorf("streaming unsupported")
	}

	session, err := h.chatSvc.GetSession(ctx, sessionID)
	if err != nil {
		utils.RespondError(w, chatHandler.StatusFor(err), err.Error())
		return err
	}

	reply, err := session.Submit(ctx, userMessage)
	if err != nil {
		utils.RespondJSON(w, chatHandler.StatusFor(err), StreamResponse{
			Event:     "error",
			SessionID: sessionID,
			Kind:      chatHandler.ErrorKind(err),
			State:     string(session.State()),
			Error:     err.Error(),
		})
		return err
	}
	defer reply.Cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	personaID := session.Persona().ID
	send := func(resp StreamResponse) error {
		resp.SessionID = sessionID
		return utils.SendSSEChunk(w, flusher, resp)
	}

	if err := send(StreamResponse{Event: "start", PersonaID: personaID}); err != nil {
		return err
	}

	for {
		fragment, nextErr := reply.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			if err := send(StreamResponse{
				Event: "error",
				Kind:  chatHandler.ErrorKind(nextErr),
				State: string(session.State()),
				Error: nextErr.Error(),
			}); err != nil {
				log.Debug().Err(err).Str("session", sessionID).Msg("[stream] error event not delivered")
			}
			return nextErr
		}
		if err := send(StreamResponse{Event: "delta", Content: fragment}); err != nil {
			// Client went away; the deferred Cancel drops the partial reply.
			return err
		}
	}

	result := reply.Result()
	for _, warning := range result.Warnings {
		if err := send(StreamResponse{Event: "warning", Content: warning}); err != nil {
			return err
		}
	}

	message := StreamResponse{Event: "message", PersonaID: personaID, Content: result.Reply}
	if result.AssistantTurn != nil {
		message.Seq = result.AssistantTurn.Seq
	}
	// The turn is already stored; a failed write here only loses the trailer.
	if err := send(message); err != nil {
		return err
	}
	if err := send(StreamResponse{Event: "end", Finished: true, State: string(session.State())}); err != nil {
		return err
	}

	log.Info().Str("session", sessionID).Str("persona", personaID).Msg("[stream] completed response")
	return nil
}
