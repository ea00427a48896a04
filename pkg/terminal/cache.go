package terminal

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel/pkg/recorder"
	"github.com/vibetunnel/vibetunnel/pkg/session"
)

const (
	// maxCachedEmulators bounds how many sessions keep a live in-memory
	// emulator at once; the iOS-preview use case (spec.md §3) only ever
	// looks at a handful of sessions at a time.
	maxCachedEmulators = 32
	coalesceInterval    = 33 * time.Millisecond
	disposeGracePeriod  = 5 * time.Second
)

// entry holds one session's live emulator plus its subscriber set. It
// implements session.OutputSink so the manager can attach it directly
// to a session's fan-out list.
type entry struct {
	sessionID string
	buffer    *TerminalBuffer

	mu          sync.Mutex
	subscribers map[int]func(*BufferSnapshot)
	nextSubID   int
	lastSeq     uint64

	coalesceTimer *time.Timer
	disposeTimer  *time.Timer
	listElem      *list.Element
}

func (e *entry) Write(_ string, data []byte) {
	e.mu.Lock()
	e.buffer.Write(data)
	e.scheduleNotifyLocked()
	e.mu.Unlock()
}

// Resize implements session.ResizeSink so the live buffer reflows
// without waiting for the child to redraw.
func (e *entry) Resize(cols, rows int) {
	e.mu.Lock()
	e.buffer.Resize(cols, rows)
	e.scheduleNotifyLocked()
	e.mu.Unlock()
}

func (e *entry) scheduleNotifyLocked() {
	if e.coalesceTimer != nil {
		return
	}
	e.coalesceTimer = time.AfterFunc(coalesceInterval, e.notify)
}

func (e *entry) notify() {
	e.mu.Lock()
	e.coalesceTimer = nil
	snapshot := e.buffer.GetSnapshot()
	if snapshot.SequenceID == e.lastSeq {
		e.mu.Unlock()
		return
	}
	e.lastSeq = snapshot.SequenceID
	subs := make([]func(*BufferSnapshot), 0, len(e.subscribers))
	for _, cb := range e.subscribers {
		subs = append(subs, cb)
	}
	e.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot)
	}
}

// bufferReplaySink adapts TerminalBuffer to recorder.ReplaySink so a
// freshly created emulator can be caught up on a session's existing
// recording before it's wired in as a live OutputSink.
type bufferReplaySink struct{ buf *TerminalBuffer }

func (b bufferReplaySink) Write(data []byte)     { _, _ = b.buf.Write(data) }
func (b bufferReplaySink) Resize(cols, rows int) { b.buf.Resize(cols, rows) }

// Cache maintains one live VT emulator per subscribed session, bounded
// to maxCachedEmulators by LRU eviction, and fans out coalesced change
// notifications to subscribers. It never back-references the sessions
// it watches: a session holds a publish handle into the cache, not the
// other way around, so the two can be torn down independently.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	logger *zap.SugaredLogger
}

// NewCache returns an empty cache. Emulators are created on the first
// Subscribe, GetBufferSnapshot or Attach for a session; wire Drop into
// Manager.OnSessionRemoved so removed sessions are evicted.
func NewCache(logger *zap.SugaredLogger) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		logger:  logger,
	}
}

// Attach wires the cache into a freshly created or adopted session so a
// subsequent Subscribe or GetBufferSnapshot call has an emulator already
// caught up on everything the session has produced so far, rather than
// starting from a blank buffer at first touch.
func (c *Cache) Attach(s *session.Session) {
	c.getOrCreate(s)
}

// Drop removes a session's emulator immediately, used when a session's
// directory is deleted (spec's cleanup-exited path clears cache state).
func (c *Cache) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(sessionID)
}

func (c *Cache) getOrCreate(s *session.Session) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[s.ID]; ok {
		c.lru.MoveToFront(e.listElem)
		return e
	}

	info := s.GetInfo()
	buf := NewTerminalBuffer(info.Cols, info.Rows)
	if err := recorder.Replay(s.StreamOutPath(), bufferReplaySink{buf}); err != nil && c.logger != nil {
		c.logger.Warnw("failed to replay recording into emulator", "session", s.ID, "error", err)
	}

	e := &entry{
		sessionID:   s.ID,
		buffer:      buf,
		subscribers: make(map[int]func(*BufferSnapshot)),
	}
	e.listElem = c.lru.PushFront(s.ID)
	c.entries[s.ID] = e
	s.AddSink(e)

	if c.lru.Len() > maxCachedEmulators {
		oldest := c.lru.Back()
		if oldest != nil {
			c.evictLocked(oldest.Value.(string))
		}
	}
	return e
}

func (c *Cache) evictLocked(sessionID string) {
	e, ok := c.entries[sessionID]
	if !ok {
		return
	}
	if e.coalesceTimer != nil {
		e.coalesceTimer.Stop()
	}
	if e.disposeTimer != nil {
		e.disposeTimer.Stop()
	}
	c.lru.Remove(e.listElem)
	delete(c.entries, sessionID)
}

// GetBufferSnapshot returns the binary-encoded snapshot of a session's
// current viewport, creating the emulator if this is the first touch.
func (c *Cache) GetBufferSnapshot(s *session.Session) []byte {
	e := c.getOrCreate(s)
	e.mu.Lock()
	snapshot := e.buffer.GetSnapshot()
	e.mu.Unlock()
	return snapshot.SerializeToBinary()
}

// Subscribe registers cb to be called with every coalesced snapshot for
// s. The returned function unsubscribes; once the last subscriber for a
// session unsubscribes, the emulator is disposed after a grace period
// rather than immediately, so a quick resubscribe (e.g. a reconnecting
// WebSocket client) doesn't pay emulator-rebuild cost.
func (c *Cache) Subscribe(s *session.Session, cb func(*BufferSnapshot)) func() {
	e := c.getOrCreate(s)

	e.mu.Lock()
	if e.disposeTimer != nil {
		e.disposeTimer.Stop()
		e.disposeTimer = nil
	}
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = cb
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		empty := len(e.subscribers) == 0
		e.mu.Unlock()

		if empty {
			c.scheduleDispose(s.ID, e)
		}
	}
}

func (c *Cache) scheduleDispose(sessionID string, e *entry) {
	e.mu.Lock()
	if e.disposeTimer != nil {
		e.disposeTimer.Stop()
	}
	e.disposeTimer = time.AfterFunc(disposeGracePeriod, func() {
		e.mu.Lock()
		stillEmpty := len(e.subscribers) == 0
		e.mu.Unlock()
		if stillEmpty {
			c.Drop(sessionID)
		}
	})
	e.mu.Unlock()
}
