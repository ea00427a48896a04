package terminal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel/pkg/session"
)

func newTestSession(t *testing.T, m *session.Manager, command []string) *session.Session {
	t.Helper()
	sess, err := m.CreateSession(session.Config{Command: command, Cols: 80, Rows: 24})
	require.NoError(t, err)
	return sess
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAttachCreatesEmulatorForExitedSession(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	sess := newTestSession(t, m, []string{"/bin/echo", "hello-cache"})
	waitUntil(t, 5*time.Second, func() bool { return sess.GetInfo().Status == session.StatusExited })

	c := NewCache(nil)
	c.Attach(sess)

	snap := c.GetBufferSnapshot(sess)
	assert.NotEmpty(t, snap)
}

func TestGetBufferSnapshotCreatesOnFirstTouch(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	sess := newTestSession(t, m, []string{"/bin/sleep", "5"})
	defer sess.Kill()

	c := NewCache(nil)
	assert.Empty(t, c.entries)

	snap := c.GetBufferSnapshot(sess)
	assert.NotEmpty(t, snap)
	assert.Len(t, c.entries, 1)
}

func TestSubscribeReceivesCoalescedSnapshotsOnWrite(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	sess := newTestSession(t, m, []string{"/bin/cat"})
	defer sess.Kill()

	c := NewCache(nil)
	got := make(chan *BufferSnapshot, 8)
	unsubscribe := c.Subscribe(sess, func(snap *BufferSnapshot) {
		got <- snap
	})
	defer unsubscribe()

	require.NoError(t, sess.SendInput("hi"))

	select {
	case snap := <-got:
		require.NotNil(t, snap)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a coalesced snapshot notification")
	}
}

func TestSubscribeUnsubscribeStopsFurtherNotifications(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	sess := newTestSession(t, m, []string{"/bin/cat"})
	defer sess.Kill()

	c := NewCache(nil)
	var count int
	unsubscribe := c.Subscribe(sess, func(snap *BufferSnapshot) { count++ })

	require.NoError(t, sess.SendInput("first"))
	waitUntil(t, 3*time.Second, func() bool { return count > 0 })

	unsubscribe()
	before := count
	require.NoError(t, sess.SendInput("second"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, count)
}

func TestDropRemovesEntryImmediately(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	sess := newTestSession(t, m, []string{"/bin/sleep", "5"})
	defer sess.Kill()

	c := NewCache(nil)
	c.Attach(sess)
	require.Len(t, c.entries, 1)

	c.Drop(sess.ID)
	assert.Empty(t, c.entries)
}

func TestCacheEvictsLeastRecentlyUsedBeyondCapacity(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	c := NewCache(nil)

	var sessions []*session.Session
	for i := 0; i < maxCachedEmulators+1; i++ {
		sess := newTestSession(t, m, []string{"/bin/sleep", "5"})
		sessions = append(sessions, sess)
		c.Attach(sess)
	}
	for _, sess := range sessions {
		defer sess.Kill()
	}

	assert.Len(t, c.entries, maxCachedEmulators)
	_, stillCached := c.entries[sessions[0].ID]
	assert.False(t, stillCached, "oldest entry should have been evicted once capacity was exceeded")
	_, lastCached := c.entries[sessions[len(sessions)-1].ID]
	assert.True(t, lastCached)
}

func TestGetOrCreateMovesExistingEntryToFrontOfLRU(t *testing.T) {
	m, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	c := NewCache(nil)
	sess := newTestSession(t, m, []string{"/bin/sleep", "5"})
	defer sess.Kill()

	c.Attach(sess)
	front := c.lru.Front()
	require.NotNil(t, front)
	assert.Equal(t, sess.ID, front.Value.(string))

	// touching an unrelated session and re-touching sess should keep it at the front
	other := newTestSession(t, m, []string{"/bin/sleep", "5"})
	defer other.Kill()
	c.Attach(other)
	c.Attach(sess)

	assert.Equal(t, sess.ID, c.lru.Front().Value.(string))
}
