package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexandruC0909/coderun/internal/docker"
	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/AlexandruC0909/coderun/internal/utils"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	cleanupTimeout = 10 * time.Second

	// Input lines a run may hold before its program reads them.
	maxPendingInput = 64
)

// run is one program execution owned by a client.
type run struct {
	id      uint64
	session *models.ProgramSession
	cancel  context.CancelFunc
	stopped atomic.Bool
	// waiting is set once waiting-for-input has been sent and cleared when
	// input is delivered.
	waiting atomic.Bool
	input   chan struct{}
	// pending queues input lines until the program reads them.
	pending chan string
}

type client struct {
	id     string
	ip     string
	conn   *websocket.Conn
	h      *Handler
	send   chan []byte
	done   chan struct{}
	mu     sync.Mutex
	run    *run
	logger *logger.Logger
}

func newClient(id, ip string, conn *websocket.Conn, h *Handler) *client {
	return &client{
		id:     id,
		ip:     ip,
		conn:   conn,
		h:      h,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: h.logger.WithFields(zap.String("client_id", id)),
	}
}

func (c *client) readPump() {
	defer func() {
		c.stopRun()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			c.sendError(0, "invalid message format")
			continue
		}
		c.handleMessage(env)
	}
}

// writePump sends one envelope per text frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) handleMessage(env models.Envelope) {
	c.logger.Debug("received message", zap.String("event", env.Event), zap.Uint64("run_id", env.RunID))

	switch env.Event {
	case models.EventExecute:
		c.handleExecute(env)
	case models.EventSendInput:
		c.handleInput(env)
	case models.EventStop:
		if r := c.current(env.RunID); r != nil {
			c.stop(r)
		}
	default:
		c.sendError(env.RunID, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (c *client) handleExecute(env models.Envelope) {
	var req models.ExecuteRequest
	if err := env.ParseData(&req); err != nil {
		c.sendError(env.RunID, "invalid payload: "+err.Error())
		return
	}
	if err := utils.CheckRateLimit(c.h.limiter, c.ip); err != nil {
		c.sendError(env.RunID, err.Error())
		return
	}
	lang, err := models.ParseLanguage(string(req.Language))
	if err != nil {
		c.sendError(env.RunID, err.Error())
		return
	}
	if err := utils.ValidateCode(req.Code, c.h.opts.MaxCodeSize); err != nil {
		c.sendError(env.RunID, err.Error())
		return
	}

	session := models.NewSession(env.RunID, lang, req.Code)
	session.DetectedInputOps = utils.DetectInputOperations(lang, req.Code)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.h.opts.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.h.opts.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	r := &run{
		id:      env.RunID,
		session: session,
		cancel:  cancel,
		input:   make(chan struct{}, 1),
		pending: make(chan string, maxPendingInput),
	}

	// One run per connection; a new execute replaces the active one.
	c.mu.Lock()
	prev := c.run
	c.run = r
	c.mu.Unlock()
	if prev != nil {
		c.stop(prev)
	}

	c.logger.Info("starting run",
		zap.Uint64("run_id", r.id),
		zap.String("language", string(lang)),
		zap.Int("input_ops", len(session.DetectedInputOps)))
	go c.execute(ctx, r)
	go c.forwardInput(ctx, r)
}

func (c *client) handleInput(env models.Envelope) {
	r := c.current(env.RunID)
	if r == nil {
		c.logger.Debug("input for inactive run dropped", zap.Uint64("run_id", env.RunID))
		return
	}
	var req models.InputRequest
	if err := env.ParseData(&req); err != nil {
		c.sendError(r.id, "invalid payload: "+err.Error())
		return
	}

	// The read loop must not wait on the program, or a stop queued behind
	// this line would wait too.
	select {
	case r.pending <- req.Data:
	default:
		c.sendError(r.id, "too much pending input")
	}
}

// forwardInput hands queued input lines to the program in order until the
// run ends.
func (c *client) forwardInput(ctx context.Context, r *run) {
	for {
		var data string
		select {
		case data = <-r.pending:
		case <-r.session.Done:
			return
		case <-ctx.Done():
			return
		}

		select {
		case r.session.InputChan <- data:
			r.waiting.Store(false)
			select {
			case r.input <- struct{}{}:
			default:
			}
		case <-r.session.Done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// current returns the active run when runID names it. Zero matches any
// active run.
func (c *client) current(runID uint64) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || (runID != 0 && runID != c.run.id) {
		return nil
	}
	return c.run
}

func (c *client) stopRun() {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r != nil {
		c.stop(r)
	}
}

// stop kills the program of r. A stopped run produces no further events.
func (c *client) stop(r *run) {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("stopping run", zap.Uint64("run_id", r.id))
	r.cancel()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.h.executor.Stop(ctx, r.session); err != nil {
			c.logger.Warn("failed to stop program", zap.Uint64("run_id", r.id), zap.Error(err))
		}
	}()
}

func (c *client) finish(r *run) {
	c.mu.Lock()
	if c.run == r {
		c.run = nil
	}
	c.mu.Unlock()
}

func (c *client) execute(ctx context.Context, r *run) {
	start := time.Now()
	defer utils.LogTiming(c.logger, "execute", start)
	defer func() {
		r.cancel()
		r.session.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.h.executor.Cleanup(cleanupCtx, r.session); err != nil {
			c.logger.Warn("failed to clean up run", zap.Uint64("run_id", r.id), zap.Error(err))
		}
		c.finish(r)
	}()

	if err := c.h.executor.Prepare(ctx, r.session); err != nil {
		c.fail(ctx, r, err)
		return
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.h.executor.Run(ctx, r.session) }()

	idle := time.NewTimer(c.h.opts.InputIdle)
	defer idle.Stop()
	var idleC <-chan time.Time
	if r.session.ReadsInput() && c.h.opts.InputIdle > 0 {
		idleC = idle.C
	}

	for {
		select {
		case out := <-r.session.OutputChan:
			if out.Done {
				c.complete(r, out.ExitCode)
				return
			}
			if out.Output != "" {
				c.sendEvent(models.EventOutput, r.id, models.OutputEvent{Output: out.Output})
			}
			if out.Error != "" {
				c.sendEvent(models.EventOutput, r.id, models.OutputEvent{Output: out.Error})
			}
			if out.WaitingForInput {
				c.markWaiting(r)
			} else if idleC != nil {
				resetTimer(idle, c.h.opts.InputIdle)
			}
		case <-idleC:
			c.markWaiting(r)
		case <-r.input:
			if idleC != nil {
				resetTimer(idle, c.h.opts.InputIdle)
			}
		case err := <-runErr:
			if err != nil {
				c.fail(ctx, r, err)
				return
			}
			runErr = nil
		case <-ctx.Done():
			c.fail(ctx, r, ctx.Err())
			return
		}
	}
}

func (c *client) markWaiting(r *run) {
	if r.stopped.Load() || !r.waiting.CompareAndSwap(false, true) {
		return
	}
	c.sendEvent(models.EventWaitingForInput, r.id, nil)
}

func (c *client) complete(r *run, exitCode int) {
	if r.stopped.Load() {
		return
	}
	c.logger.Info("run finished", zap.Uint64("run_id", r.id), zap.Int("exit_code", exitCode))
	result := models.ResultEvent{Success: exitCode == 0}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("process exited with status %d", exitCode)
	}
	c.sendEvent(models.EventResult, r.id, result)
}

// fail reports why r ended early. Program-level failures are a failed
// result; anything else is an error event.
func (c *client) fail(ctx context.Context, r *run, err error) {
	if r.stopped.Load() {
		return
	}

	var compileErr *docker.CompileError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.logger.Warn("run timed out", zap.Uint64("run_id", r.id))
		c.stop(r)
		c.sendEvent(models.EventResult, r.id, models.ResultEvent{
			Error: fmt.Sprintf("execution timed out after %s", c.h.opts.RunTimeout),
		})
	case errors.As(err, &compileErr), errors.Is(err, docker.ErrOutputLimit):
		c.sendEvent(models.EventResult, r.id, models.ResultEvent{Error: err.Error()})
	default:
		c.logger.Error("run failed", zap.Uint64("run_id", r.id), zap.Error(err))
		c.sendError(r.id, err.Error())
	}
}

func (c *client) sendError(runID uint64, message string) {
	c.sendEvent(models.EventError, runID, models.ErrorEvent{Error: message})
}

// sendEvent queues an envelope for the write pump. It blocks while the
// queue is full so output is never dropped, and gives up once the
// connection is gone.
func (c *client) sendEvent(event string, runID uint64, data interface{}) {
	env, err := models.NewEnvelope(event, runID, data)
	if err != nil {
		c.logger.Error("failed to build message", zap.String("event", event), zap.Error(err))
		return
	}
	message, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.send <- message:
	case <-c.done:
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
