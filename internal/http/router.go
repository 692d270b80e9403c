package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger"

	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
	jwtpkg "livepoll/internal/platform/jwt"
	"livepoll/internal/ratelimit"
)

const hostTokenTTL = 24 * time.Hour

type Handler struct {
	pollSvc  *poll.Service
	voteSvc  *vote.Service
	governor *ratelimit.Governor
	jwtMgr   *jwtpkg.Manager
	db       *sql.DB
	rdb      *redis.Client
}

func NewRouter(
	pollSvc *poll.Service,
	voteSvc *vote.Service,
	governor *ratelimit.Governor,
	jwtMgr *jwtpkg.Manager,
	db *sql.DB,
	rdb *redis.Client,
	ws http.Handler,
) http.Handler {
	h := &Handler{
		pollSvc:  pollSvc,
		voteSvc:  voteSvc,
		governor: governor,
		jwtMgr:   jwtMgr,
		db:       db,
		rdb:      rdb,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(RequestLogger)
	r.Use(CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", h.handleReady)
	r.Get("/swagger/*", httpSwagger.WrapHandler)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if ws != nil {
		r.Get("/ws", ws.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(governor, ratelimit.ClassGlobal))

		r.With(RateLimit(governor, ratelimit.ClassCreate)).Post("/polls", h.handleCreatePoll)
		r.Get("/polls/{roomCode}", h.handleGetPoll)
		r.Get("/polls/{roomCode}/results", h.handlePollResults)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db == nil || h.db.PingContext(ctx) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "DB_UNAVAILABLE",
			"message": "database not ready",
		})
		return
	}
	if h.rdb == nil || h.rdb.Ping(ctx).Err() != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "CACHE_UNAVAILABLE",
			"message": "shared cache not ready",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
