package handlers

import (
	"net/http"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter mounts the execution endpoint and the service routes. Forwarding
// headers are honoured only when trustProxy is set; otherwise rate limits key
// on the peer address.
func NewRouter(h *Handler, checker Checker, trustProxy bool, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.HandleWebSocket)
	r.Get("/health", HandleHealth(checker))
	r.Get("/robots.txt", HandleRobots)
	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Duration("took", time.Since(start)))
		})
	}
}
