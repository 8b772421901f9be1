package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"surf/internal/logging"
)

// ErrConnClosed is returned for calls in flight when the socket goes away,
// including deliberate watchdog aborts.
var ErrConnClosed = errors.New("cdp connection closed")

const (
	maxQueuedEvents = 2048
	writeTimeout    = 10 * time.Second
)

// Event is one CDP event notification.
type Event struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Conn is a single CDP WebSocket connection. Commands are id-matched to
// replies; events are queued for non-blocking drain by the session manager.
//
// Abort closes the underlying TCP socket directly. A graceful websocket close
// can hang against a bricked peer, so the watchdog always uses Abort.
type Conn struct {
	ws     *websocket.Conn
	logger logging.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan rpcReply
	events  []Event
	closed  bool
	readErr error
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

type rpcFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params map[string]any  `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var (
	dumpMu      sync.Mutex
	dumpFile    *os.File
	dumpEnabled atomic.Bool
)

// EnableFrameDump appends every command and event frame to cdp-frames.jsonl
// under dir. Heavyweight; protocol debugging only (MCP_DUMP_FRAMES).
func EnableFrameDump(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(dir, "cdp-frames.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	dumpMu.Lock()
	dumpFile = file
	dumpMu.Unlock()
	dumpEnabled.Store(true)
	return nil
}

func dumpFrame(direction string, frame rpcFrame) {
	if !dumpEnabled.Load() {
		return
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	dumpMu.Lock()
	defer dumpMu.Unlock()
	if dumpFile != nil {
		fmt.Fprintf(dumpFile, "{\"t\":%d,\"dir\":%q,\"frame\":%s}\n", time.Now().UnixMilli(), direction, raw)
	}
}

// Dial opens a CDP connection to a target websocket URL.
func Dial(ctx context.Context, wsURL string, logger logging.Logger) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial cdp %s: %w", redactWS(wsURL), err)
	}
	c := &Conn{
		ws:      ws,
		logger:  logging.OrNop(logger),
		pending: make(map[int64]chan rpcReply),
	}
	go c.readLoop()
	return c, nil
}

func redactWS(wsURL string) string {
	// Target ids are opaque; safe to log whole.
	return wsURL
}

// Call sends one CDP command and waits for its reply, bounded by ctx.
func (c *Conn) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame := rpcFrame{ID: id, Method: method, Params: params}
	dumpFrame("send", frame)
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("cdp send %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("cdp response timed out for %s: %w", method, ctx.Err())
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		var frame rpcFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.shutdown(err)
			return
		}
		dumpFrame("recv", frame)
		if frame.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				reply := rpcReply{result: frame.Result}
				if frame.Error != nil {
					reply.err = fmt.Errorf("cdp error %d: %s", frame.Error.Code, frame.Error.Message)
				}
				ch <- reply
			}
			continue
		}
		if frame.Method == "" {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, Event{Method: frame.Method, Params: frame.Params})
		if len(c.events) > maxQueuedEvents {
			c.events = c.events[len(c.events)-maxQueuedEvents:]
		}
		c.mu.Unlock()
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	pending := c.pending
	c.pending = make(map[int64]chan rpcReply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcReply{err: ErrConnClosed}
	}
	_ = c.ws.Close()
}

// DrainEvents removes and returns up to max queued events.
func (c *Conn) DrainEvents(max int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max <= 0 || max > len(c.events) {
		max = len(c.events)
	}
	if max == 0 {
		return nil
	}
	out := make([]Event, max)
	copy(out, c.events[:max])
	c.events = c.events[max:]
	return out
}

// PopEvent removes and returns the first queued event with the given method.
func (c *Conn) PopEvent(method string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ev := range c.events {
		if ev.Method == method {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return ev, true
		}
	}
	return Event{}, false
}

// Alive reports whether the read loop is still running.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Abort breaks the underlying TCP socket so every in-flight Call returns
// deterministically. Safe to call from any goroutine.
func (c *Conn) Abort() {
	if raw := c.ws.UnderlyingConn(); raw != nil {
		_ = raw.Close()
	}
	c.shutdown(ErrConnClosed)
}

// Close performs a best-effort graceful close.
func (c *Conn) Close() {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrConnClosed)
}
