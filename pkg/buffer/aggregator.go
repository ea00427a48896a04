// Package buffer implements the single /buffers WebSocket endpoint
// (spec §4.6): clients subscribe/unsubscribe to many sessions over one
// connection and receive binary snapshot frames as the emulator cache
// emits them.
package buffer

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel/pkg/session"
	"github.com/vibetunnel/vibetunnel/pkg/terminal"
)

const (
	snapshotMagic          byte          = 0xbf
	writeWait                            = 10 * time.Second
	pongWait                              = 60 * time.Second
	pingInterval                          = (pongWait * 9) / 10
	maxBufferedAmount      uint64        = 1 << 20 // 1 MiB backpressure threshold
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Aggregator owns the upgrade handler for /buffers. It has no per-session
// state of its own; all emulator state lives in the cache.
type Aggregator struct {
	sessions *session.Manager
	cache    *terminal.Cache
	logger   *zap.SugaredLogger
}

func New(sessions *session.Manager, cache *terminal.Cache, logger *zap.SugaredLogger) *Aggregator {
	return &Aggregator{sessions: sessions, cache: cache, logger: logger}
}

type controlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ServeHTTP upgrades the connection and runs its read/write loops until
// the client disconnects.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if a.logger != nil {
			a.logger.Warnw("websocket upgrade failed", "error", err)
		}
		return
	}

	c := &connection{
		conn:          conn,
		aggregator:    a,
		send:          make(chan wireFrame, 32),
		subscriptions: make(map[string]func()),
	}
	defer c.closeAll()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writeLoop()
	c.readLoop()
}

// connection is one client's WebSocket session: a single read loop
// dispatching control frames, and a single writer goroutine so every
// write (binary snapshot, ping, close) is serialized.
type connection struct {
	conn       *websocket.Conn
	aggregator *Aggregator
	send       chan wireFrame

	mu            sync.Mutex
	subscriptions map[string]func()

	bufferedAmount atomic.Uint64
}

// wireFrame is one outbound message: a JSON control reply (pong) or a
// binary snapshot frame.
type wireFrame struct {
	data      []byte
	wsMsgType int
}

func (c *connection) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			c.enqueueText(mustMarshal(map[string]string{"type": "pong"}))
		case "subscribe":
			c.subscribe(msg.SessionID)
		case "unsubscribe":
			c.unsubscribe(msg.SessionID)
		}
	}
}

func (c *connection) subscribe(sessionID string) {
	c.mu.Lock()
	if _, exists := c.subscriptions[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	s, err := c.aggregator.sessions.GetSession(sessionID)
	if err != nil {
		return
	}

	unsubscribe := c.aggregator.cache.Subscribe(s, func(snap *terminal.BufferSnapshot) {
		c.sendSnapshot(sessionID, snap.SerializeToBinary())
	})

	c.mu.Lock()
	c.subscriptions[sessionID] = unsubscribe
	c.mu.Unlock()

	c.sendSnapshot(sessionID, c.aggregator.cache.GetBufferSnapshot(s))
}

func (c *connection) unsubscribe(sessionID string) {
	c.mu.Lock()
	unsub, ok := c.subscriptions[sessionID]
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *connection) closeAll() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]func())
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	close(c.send)
}

// sendSnapshot enqueues payload for delivery, framed via FrameSnapshot.
func (c *connection) sendSnapshot(sessionID string, payload []byte) {
	c.enqueue(wireFrame{data: FrameSnapshot(sessionID, payload), wsMsgType: websocket.BinaryMessage})
}

// FrameSnapshot wraps a buffer snapshot in the wire envelope spec.md §3/§6
// mandates for every delivery path, WebSocket or plain HTTP: 0xBF magic,
// a little-endian u32 session-id length, the id bytes, then the payload.
func FrameSnapshot(sessionID string, payload []byte) []byte {
	idBytes := []byte(sessionID)
	frame := make([]byte, 1+4+len(idBytes)+len(payload))
	frame[0] = snapshotMagic
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(idBytes)))
	copy(frame[5:], idBytes)
	copy(frame[5+len(idBytes):], payload)
	return frame
}

func (c *connection) enqueueText(data []byte) {
	c.enqueue(wireFrame{data: data, wsMsgType: websocket.TextMessage})
}

func (c *connection) enqueue(f wireFrame) {
	if c.bufferedAmount.Load() > maxBufferedAmount {
		if c.aggregator.logger != nil {
			c.aggregator.logger.Warnw("dropping buffer frame, client over backpressure threshold")
		}
		return
	}
	select {
	case c.send <- f:
		c.bufferedAmount.Add(uint64(len(f.data)))
	default:
		if c.aggregator.logger != nil {
			c.aggregator.logger.Warnw("dropping buffer frame, send queue full")
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.bufferedAmount.Add(-uint64(len(frame.data)))
			if err := c.conn.WriteMessage(frame.wsMsgType, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
