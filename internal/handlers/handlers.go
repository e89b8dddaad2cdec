package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/AlexandruC0909/coderun/internal/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Executor runs one program session. Prepare is called once, then Run
// streams the program's output until it exits. Cleanup always follows.
type Executor interface {
	Prepare(ctx context.Context, session *models.ProgramSession) error
	Run(ctx context.Context, session *models.ProgramSession) error
	Stop(ctx context.Context, session *models.ProgramSession) error
	Cleanup(ctx context.Context, session *models.ProgramSession) error
}

// Options are the per-run limits of a Handler.
type Options struct {
	RunTimeout  time.Duration
	InputIdle   time.Duration
	MaxCodeSize int
}

// Handler serves the execution protocol over websocket connections.
type Handler struct {
	executor Executor
	limiter  *utils.RateLimiter
	opts     Options
	logger   *logger.Logger
}

func NewHandler(executor Executor, limiter *utils.RateLimiter, opts Options, log *logger.Logger) *Handler {
	return &Handler{
		executor: executor,
		limiter:  limiter,
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleWebSocket upgrades the request and serves the connection until the
// peer goes away. A run still active at that point is stopped.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), utils.ExtractIP(r), conn, h)
	c.logger.Debug("connection established", zap.String("remote_addr", r.RemoteAddr))

	go c.writePump()
	c.readPump()
}

// Checker reports whether the execution backend is usable.
type Checker interface {
	Healthy(ctx context.Context) error
}

func HandleHealth(checker Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := checker.Healthy(ctx); err != nil {
			http.Error(w, "Container not healthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "OK")
	}
}

func HandleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("User-agent: *\nDisallow: /\n"))
}
