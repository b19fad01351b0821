package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/dyno-tavern/backend/internal/handler/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/handler/persona"
	"github.com/zhouzirui/dyno-tavern/backend/internal/handler/stream"
	"github.com/zhouzirui/dyno-tavern/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/dyno-tavern/backend/internal/middleware"
	personaModel "github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
	"github.com/zhouzirui/dyno-tavern/backend/internal/observability"
	chatService "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/pkg/utils"
)

const healthTimeout = 3 * time.Second

// Pinger reports whether the inference backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires HTTP routes to core services. pinger and metrics may be nil.
func NewRouter(personas personaModel.Store, chatSvc *chatService.Service, pinger Pinger, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		persona.New(personas).RegisterRoutes(api)
		chat.New(chatSvc).RegisterRoutes(api)
		stream.New(chatSvc).RegisterRoutes(api)
		ws.New(chatSvc).RegisterRoutes(api)

		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			handleHealth(w, r, pinger)
		})
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	return r
}

// handleHealth answers the UI's connectivity polling.
func handleHealth(w http.ResponseWriter, r *http.Request, pinger Pinger) {
	if pinger == nil {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok", "inference": "unknown"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := pinger.Ping(ctx); err != nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "degraded",
			"inference": "unreachable",
			"error":     err.Error(),
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok", "inference": "reachable"})
}
