package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/logging"
)

// dialTestServer runs handler against an upgraded websocket and returns a
// client connection to it.
func dialTestServer(t *testing.T, handler func(ws *websocket.Conn)) *Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), wsURL, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestCallMatchesReplyByID(t *testing.T) {
	conn := dialTestServer(t, func(ws *websocket.Conn) {
		for {
			var frame rpcFrame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			reply := rpcFrame{ID: frame.ID, Result: json.RawMessage(`{"frameId":"F1"}`)}
			if err := ws.WriteJSON(reply); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := conn.Call(ctx, "Page.navigate", map[string]any{"url": "https://example.test"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "F1", decoded["frameId"])
	assert.True(t, conn.Alive())
}

func TestCallSurfacesProtocolErrors(t *testing.T) {
	conn := dialTestServer(t, func(ws *websocket.Conn) {
		var frame rpcFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		_ = ws.WriteJSON(rpcFrame{ID: frame.ID, Error: &rpcError{Code: -32000, Message: "No target with given id"}})
		// Hold the socket open so the error travels as a reply, not a close.
		_, _, _ = ws.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.Call(ctx, "Target.attachToTarget", nil)
	require.Error(t, err)
	assert.Equal(t, "cdp error -32000: No target with given id", err.Error())
	assert.True(t, conn.Alive(), "a protocol error does not kill the connection")
}

func TestEventsQueueUntilDrained(t *testing.T) {
	conn := dialTestServer(t, func(ws *websocket.Conn) {
		var frame rpcFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		_ = ws.WriteJSON(rpcFrame{Method: "Page.frameStartedLoading", Params: map[string]any{"frameId": "F1"}})
		_ = ws.WriteJSON(rpcFrame{Method: "Page.loadEventFired", Params: map[string]any{"timestamp": 1.5}})
		_ = ws.WriteJSON(rpcFrame{ID: frame.ID, Result: json.RawMessage(`{}`)})
		_, _, _ = ws.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Events arrive on the wire before the reply, so they are queued by the
	// time Call returns.
	_, err := conn.Call(ctx, "Page.enable", nil)
	require.NoError(t, err)

	loaded, ok := conn.PopEvent("Page.loadEventFired")
	require.True(t, ok)
	assert.Equal(t, 1.5, loaded.Params["timestamp"])
	_, ok = conn.PopEvent("Page.loadEventFired")
	assert.False(t, ok, "popped events leave the queue")

	rest := conn.DrainEvents(0)
	require.Len(t, rest, 1)
	assert.Equal(t, "Page.frameStartedLoading", rest[0].Method)
	assert.Empty(t, conn.DrainEvents(0))
}

func TestAbortUnblocksInFlightCall(t *testing.T) {
	release := make(chan struct{})
	conn := dialTestServer(t, func(ws *websocket.Conn) {
		var frame rpcFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		<-release
	})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Runtime.evaluate", map[string]any{"expression": "while(true){}"})
		done <- err
	}()

	// Let the command hit the wire before breaking the socket.
	time.Sleep(50 * time.Millisecond)
	conn.Abort()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted call never returned")
	}

	assert.False(t, conn.Alive())
	_, err := conn.Call(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, ErrConnClosed, "calls after abort fail fast")
}

func TestCallHonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	conn := dialTestServer(t, func(ws *websocket.Conn) {
		var frame rpcFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Call(ctx, "Page.navigate", map[string]any{"url": "https://slow.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cdp response timed out for Page.navigate")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, conn.Alive(), "a timed-out call leaves the connection usable")
}
