package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// echoService answers execute with the code echoed as output and a
// successful result, and forwards every received envelope to got.
func echoService(t *testing.T, got chan<- models.Envelope) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			select {
			case got <- env:
			default:
			}
			if env.Event != models.EventExecute {
				continue
			}
			var req models.ExecuteRequest
			if err := env.ParseData(&req); err != nil {
				return
			}
			out, _ := models.NewEnvelope(models.EventOutput, env.RunID, models.OutputEvent{Output: req.Code + "\n"})
			res, _ := models.NewEnvelope(models.EventResult, env.RunID, models.ResultEvent{Success: true})
			if conn.WriteJSON(out) != nil || conn.WriteJSON(res) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionOverWebsocket(t *testing.T) {
	got := make(chan models.Envelope, 8)
	srv := echoService(t, got)

	done := make(chan Snapshot, 1)
	s := New(NewConn(wsURL(srv), logger.Nop()),
		WithLogger(logger.Nop()),
		WithListener(func(c Change) {
			if c.Snapshot.Status == Completed {
				done <- c.Snapshot
			}
		}))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect() })

	require.NoError(t, s.Run(models.LanguagePython, "hi"))

	select {
	case snap := <-done:
		assert.Equal(t, "hi\n", snap.Transcript)
		assert.Equal(t, uint64(1), snap.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}

	env := <-got
	assert.Equal(t, models.EventExecute, env.Event)
	assert.Equal(t, uint64(1), env.RunID)
}

func TestConnSendWithoutConnection(t *testing.T) {
	c := NewConn("ws://127.0.0.1:1/ws", logger.Nop())
	assert.False(t, c.IsConnected())

	env, err := models.NewEnvelope(models.EventStop, 1, models.StopRequest{})
	require.NoError(t, err)
	err = c.Send(env)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Nil(t, connErr.Err)
	assert.NoError(t, c.Disconnect())
}

func TestConnConnectFailure(t *testing.T) {
	c := NewConn("ws://127.0.0.1:1/ws", logger.Nop(),
		WithDialer(&websocket.Dialer{HandshakeTimeout: time.Second}))
	err := c.Connect(context.Background())
	assert.Equal(t, KindConnection, KindOf(err))
	assert.False(t, c.IsConnected())
}

func TestConnReportsServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var env models.Envelope
		_ = conn.ReadJSON(&env)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	c := NewConn(wsURL(srv), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	lost := make(chan error, 1)
	c.OnDisconnect(func(err error) { lost <- err })

	env, _ := models.NewEnvelope(models.EventStop, 1, models.StopRequest{})
	require.NoError(t, c.Send(env))

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.IsConnected())
}

func TestConnReconnectDiscardsHandlers(t *testing.T) {
	got := make(chan models.Envelope, 8)
	srv := echoService(t, got)

	c := NewConn(wsURL(srv), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	stale := make(chan models.Envelope, 4)
	c.OnEvent(func(env models.Envelope, err error) { stale <- env })

	require.NoError(t, c.Connect(context.Background()))
	fresh := make(chan models.Envelope, 4)
	c.OnEvent(func(env models.Envelope, err error) { fresh <- env })

	env, _ := models.NewEnvelope(models.EventExecute, 7, models.ExecuteRequest{Language: models.LanguageC, Code: "x"})
	require.NoError(t, c.Send(env))

	select {
	case env := <-fresh:
		assert.Equal(t, uint64(7), env.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event on the new handler")
	}
	assert.Empty(t, stale)
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
}
