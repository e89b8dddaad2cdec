package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 * 1024 * 1024
)

// EventHandler consumes inbound frames in arrival order. err is set, and env
// is zero, when a frame could not be decoded.
type EventHandler func(env models.Envelope, err error)

// Conn owns the single channel to the execution service for one client
// session.
type Conn struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *logger.Logger

	mu           sync.RWMutex
	ws           *websocket.Conn
	gen          uint64
	handler      EventHandler
	onDisconnect func(error)

	writeMu sync.Mutex
}

type ConnOption func(*Conn)

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) ConnOption {
	return func(c *Conn) { c.dialer = d }
}

// WithHeader sets headers sent on the handshake, e.g. a bearer credential.
func WithHeader(h http.Header) ConnOption {
	return func(c *Conn) { c.header = h }
}

func NewConn(url string, log *logger.Logger, opts ...ConnOption) *Conn {
	if log == nil {
		log = logger.Default()
	}
	c := &Conn{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: log.WithFields(zap.String("component", "conn")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the endpoint. An existing channel is closed first, and all
// previously registered handlers are discarded.
func (c *Conn) Connect(ctx context.Context) error {
	c.Disconnect()

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	ws.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.ws = ws
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(ws, gen, done)
	go c.pingLoop(ws, done)

	c.logger.Info("connected to execution service", zap.String("url", c.url))
	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws != nil
}

// OnEvent registers the single consumer of inbound events, replacing any
// previous one.
func (c *Conn) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnDisconnect registers a callback for unexpected loss of the channel.
// It is not called after Disconnect.
func (c *Conn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Send writes env as one text frame.
func (c *Conn) Send(env models.Envelope) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return &ConnectionError{Op: "send " + env.Event}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(env); err != nil {
		return &ConnectionError{Op: "send " + env.Event, Err: err}
	}
	c.logger.Debug("sent event", zap.String("event", env.Event), zap.Uint64("run_id", env.RunID))
	return nil
}

// Disconnect closes the channel and drops all handlers.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.gen++
	c.handler = nil
	c.onDisconnect = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.logger.Info("disconnected from execution service")
	return ws.Close()
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(ws, gen, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		c.mu.RLock()
		h := c.handler
		current := c.gen == gen
		c.mu.RUnlock()
		if !current {
			return
		}
		if h == nil {
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h(models.Envelope{}, err)
			continue
		}
		h(env, nil)
	}
}

func (c *Conn) lost(ws *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	fn := c.onDisconnect
	c.mu.Unlock()

	_ = ws.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Error("connection lost", zap.Error(err))
	} else {
		c.logger.Info("connection closed by service", zap.Error(err))
	}
	if fn != nil {
		fn(err)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
