// Package stream tails each session's recording file and fans its
// events out to however many SSE clients are attached, without each
// client opening the file independently (spec §4.5).
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	heartbeatInterval = 30 * time.Second
	clientBufferSize  = 256
	pollInterval      = 100 * time.Millisecond
)

// Event is a single SSE message, already shaped the way clients expect
// it. Offset is the event's position relative to the recording's start,
// used to rebase it onto each client's own attach time.
type Event struct {
	Name   string // "", "o", or "e" — "" means the header, sent verbatim
	Data   []byte
	Offset time.Duration
}

// client is one attached subscriber. Send is bounded; when full, the
// oldest queued message is dropped in favor of the newest one so a slow
// client never stalls the others.
type client struct {
	send chan []byte
	base time.Time // this client's "now", the rebasing origin
}

// Watcher tails one session's stream-out file. It starts tailing in New
// and runs until Stop is called; detaching the last client does not stop it.
type Watcher struct {
	path   string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	clients   map[*client]struct{}
	header    []byte
	replay    []Event // every non-header event seen so far, in order
	pos       int64
	streamEnd bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New starts tailing path. The caller is responsible for calling Stop
// once its own bookkeeping says no clients remain attached.
func New(path string, logger *zap.SugaredLogger) *Watcher {
	w := &Watcher{
		path:    path,
		logger:  logger,
		clients: make(map[*client]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Attach registers a new SSE client, replaying everything tailed so far
// with timestamps rebased onto this client's attach time (so replay
// never jumps backward or goes negative), then keeps it subscribed to
// live events. recv yields wire-ready SSE frames; the caller writes them
// to the response and drains until detach closes recv.
func (w *Watcher) Attach() (recv <-chan []byte, detach func()) {
	c := &client{send: make(chan []byte, clientBufferSize), base: time.Now()}

	w.mu.Lock()
	header := w.header
	replay := append([]Event(nil), w.replay...)
	w.clients[c] = struct{}{}
	w.mu.Unlock()

	if header != nil {
		w.deliverRaw(c, header)
	}
	for _, ev := range replay {
		w.deliverRaw(c, FormatSSE(rebase(ev, c.base)))
	}

	return c.send, func() {
		w.mu.Lock()
		delete(w.clients, c)
		w.mu.Unlock()
		close(c.send)
	}
}

func rebase(ev Event, base time.Time) Event {
	ev.Data = reTimestamp(ev.Data, base.Add(ev.Offset).UnixMilli())
	return ev
}

// reTimestamp rewrites the "timestamp" field of an already-marshaled
// event payload. Events carry a fixed {type,timestamp,...} shape so a
// targeted unmarshal/remarshal is simpler than templating JSON by hand.
func reTimestamp(data []byte, ts int64) []byte {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return data
	}
	m["timestamp"] = ts
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}

// ClientCount reports how many SSE clients are currently attached.
func (w *Watcher) ClientCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

func (w *Watcher) deliverRaw(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- frame:
		default:
		}
		if w.logger != nil {
			w.logger.Warnw("dropped stream event for slow client", "path", w.path)
		}
	}
}

func (w *Watcher) broadcastRaw(frame []byte) {
	w.mu.Lock()
	clients := make([]*client, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	for _, c := range clients {
		w.deliverRaw(c, frame)
	}
}

func (w *Watcher) broadcastLive(ev Event) {
	w.mu.Lock()
	clients := make([]*client, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	for _, c := range clients {
		w.deliverRaw(c, FormatSSE(rebase(ev, c.base)))
	}
}

func (w *Watcher) run() {
	defer close(w.done)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	start := time.Now()

	for {
		select {
		case <-w.stop:
			return
		case <-heartbeat.C:
			w.broadcastRaw([]byte(": heartbeat\n\n"))
		case <-poll.C:
			w.tail(start)
			if w.streamEnd {
				return
			}
		}
	}
}

func (w *Watcher) tail(start time.Time) {
	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(w.pos, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			w.pos += int64(len(line))
			w.handleLine(line, time.Since(start))
		}
		if err != nil {
			break
		}
	}
}

func (w *Watcher) handleLine(line []byte, offset time.Duration) {
	w.mu.Lock()
	isHeader := w.header == nil
	if isHeader {
		w.header = append([]byte(nil), line...)
	}
	w.mu.Unlock()

	if isHeader {
		w.broadcastRaw(line)
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil || len(raw) < 3 {
		return
	}

	// The exit event is the one line whose own first element is the
	// literal string "exit" rather than an elapsed-time float (spec
	// §3/§6: a bare ["exit", code, sessionId] triple, no leading
	// timestamp like "o"/"r" events carry).
	var first string
	if json.Unmarshal(raw[0], &first) == nil && first == "exit" {
		var code int
		_ = json.Unmarshal(raw[1], &code)
		payload, _ := json.Marshal(map[string]any{
			"type":      "e",
			"code":      code,
			"timestamp": 0,
		})
		ev := Event{Name: "e", Data: payload, Offset: offset}
		w.mu.Lock()
		w.replay = append(w.replay, ev)
		w.mu.Unlock()
		w.broadcastLive(ev)
		w.streamEnd = true
		return
	}

	var kind string
	if err := json.Unmarshal(raw[1], &kind); err != nil {
		return
	}

	switch kind {
	case "o":
		var text string
		if err := json.Unmarshal(raw[2], &text); err != nil {
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"type":      "o",
			"timestamp": 0,
			"text":      text,
		})
		ev := Event{Name: "o", Data: payload, Offset: offset}
		w.mu.Lock()
		w.replay = append(w.replay, ev)
		w.mu.Unlock()
		w.broadcastLive(ev)
	}
}

// Stop tears down the watcher's goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done

	w.mu.Lock()
	for c := range w.clients {
		close(c.send)
	}
	w.clients = make(map[*client]struct{})
	w.mu.Unlock()
}

// FormatSSE renders an Event as a wire-format SSE message.
func FormatSSE(ev Event) []byte {
	if ev.Name == "" {
		return ev.Data
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Name, ev.Data))
}
