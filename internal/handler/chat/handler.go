package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
	chatService "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/pkg/utils"
)

// Handler 聊天会话的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Delete("/", h.handleEndSession)
		r.Put("/persona", h.handleSwitchPersona)
		r.Put("/window", h.handleSetWindow)
		r.Get("/history", h.handleHistory)
		r.Get("/stats", h.handleStats)
		r.Post("/clear", h.handleClear)
		r.Post("/cancel", h.handleCancel)
		r.Post("/documents", h.handleUploadDocuments)
	})
}

// MaxUploadBytes 单次上传的请求体上限
const MaxUploadBytes = 8 << 20

// SessionView 会话快照
type SessionView struct {
	chat.Stats
	Persona persona.Persona `json:"persona"`
	History []chat.Turn     `json:"history"`
}

func newSessionView(c *chatService.Coordinator) SessionView {
	history := c.History()
	if history == nil {
		history = []chat.Turn{}
	}
	return SessionView{Stats: c.Stats(), Persona: c.Persona(), History: history}
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("session request failed")
	}
	utils.RespondJSON(w, status, map[string]string{"error": err.Error(), "kind": ErrorKind(err)})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*chatService.Coordinator, bool) {
	c, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return nil, false
	}
	return c, true
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
		Window    int    `json:"window"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.chatSvc.CreateSession(r.Context(), payload.PersonaID, payload.Window)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, newSessionView(c))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, newSessionView(c))
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSwitchPersona(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil || payload.PersonaID == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}

	if err := c.SwitchPersona(r.Context(), payload.PersonaID); err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newSessionView(c))
}

func (h *Handler) handleSetWindow(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Size int `json:"size"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := c.SetWindow(payload.Size); err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.Stats())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	history := c.History()
	if history == nil {
		history = []chat.Turn{}
	}
	utils.RespondJSON(w, http.StatusOK, history)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.Stats())
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.Stats())
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	canceled := c.Cancel()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"canceled": canceled,
		"state":    c.State(),
	})
}

// handleUploadDocuments 将上传的文档（txt/md/csv）切分后写入当前角色的记忆
func (h *Handler) handleUploadDocuments(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "multipart form with a file field is required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "multipart form with a file field is required")
		return
	}

	results := make([]chatService.DocumentResult, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "unreadable upload "+fh.Filename)
			return
		}
		res, err := c.IngestDocument(r.Context(), fh.Filename, f)
		f.Close()
		if err != nil {
			// 已写入的文档保留在记忆中
			h.respondErr(w, err)
			return
		}
		results = append(results, res)
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"documents": results,
		"stats":     c.Stats(),
	})
}
