package stream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func readFrame(t *testing.T, recv <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case frame := <-recv:
		return frame
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestAttachReplaysHeaderThenPriorEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream-out")
	header := `{"version":2,"width":80,"height":24}`
	writeFile(t, path, header, `[0.1,"o","hello"]`)

	w := New(path, nil)
	defer w.Stop()
	time.Sleep(250 * time.Millisecond) // let the poll ticker tail both lines

	recv, detach := w.Attach()
	defer detach()

	first := readFrame(t, recv, 2*time.Second)
	assert.Equal(t, header+"\n", string(first))

	second := readFrame(t, recv, 2*time.Second)
	assert.Contains(t, string(second), "event: o\n")
	assert.Contains(t, string(second), `"text":"hello"`)
}

func TestLiveEventsAreBroadcastToAttachedClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream-out")
	writeFile(t, path, `{"version":2,"width":80,"height":24}`)

	w := New(path, nil)
	defer w.Stop()
	time.Sleep(250 * time.Millisecond)

	recv, detach := w.Attach()
	defer detach()
	_ = readFrame(t, recv, 2*time.Second) // header

	writeFile(t, path, `[0.2,"o","world"]`)
	time.Sleep(250 * time.Millisecond)

	frame := readFrame(t, recv, 2*time.Second)
	assert.Contains(t, string(frame), "event: o\n")
	assert.Contains(t, string(frame), `"text":"world"`)
}

func TestExitEventStopsTheWatcherAndIsDelivered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream-out")
	writeFile(t, path, `{"version":2,"width":80,"height":24}`)

	w := New(path, nil)
	defer w.Stop()
	time.Sleep(250 * time.Millisecond)

	recv, detach := w.Attach()
	defer detach()
	_ = readFrame(t, recv, 2*time.Second) // header

	writeFile(t, path, `["exit",7,"sess-1"]`)
	time.Sleep(250 * time.Millisecond)

	frame := readFrame(t, recv, 2*time.Second)
	assert.Contains(t, string(frame), "event: e\n")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(extractData(string(frame))), &payload))
	assert.Equal(t, float64(7), payload["code"])
}

// extractData pulls the JSON body out of a "event: X\ndata: {...}\n\n" frame.
func extractData(frame string) string {
	const prefix = "data: "
	start := strings.Index(frame, prefix) + len(prefix)
	rest := frame[start:]
	return rest[:strings.IndexByte(rest, '\n')]
}

func TestClientCountReflectsAttachAndDetach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream-out")
	writeFile(t, path, `{"version":2,"width":80,"height":24}`)

	w := New(path, nil)
	defer w.Stop()

	assert.Equal(t, 0, w.ClientCount())
	_, detach1 := w.Attach()
	assert.Equal(t, 1, w.ClientCount())
	_, detach2 := w.Attach()
	assert.Equal(t, 2, w.ClientCount())

	detach1()
	assert.Equal(t, 1, w.ClientCount())
	detach2()
	assert.Equal(t, 0, w.ClientCount())
}

func TestStopIsSafeToCallMultipleTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream-out")
	writeFile(t, path, `{"version":2,"width":80,"height":24}`)

	w := New(path, nil)
	w.Stop()
	w.Stop()
}

func TestDeliverRawDropsOldestFrameWhenClientBufferIsFull(t *testing.T) {
	w := &Watcher{clients: make(map[*client]struct{})}
	c := &client{send: make(chan []byte, 2)}

	w.deliverRaw(c, []byte("1"))
	w.deliverRaw(c, []byte("2"))
	w.deliverRaw(c, []byte("3"))

	first := <-c.send
	second := <-c.send
	assert.Equal(t, []byte("2"), first)
	assert.Equal(t, []byte("3"), second)
}

func TestFormatSSEOfHeaderEventReturnsDataVerbatim(t *testing.T) {
	ev := Event{Name: "", Data: []byte("raw-header-line")}
	assert.Equal(t, []byte("raw-header-line"), FormatSSE(ev))
}

func TestFormatSSEOfNamedEventWrapsWithEventAndData(t *testing.T) {
	ev := Event{Name: "o", Data: []byte(`{"type":"o"}`)}
	assert.Equal(t, "event: o\ndata: {\"type\":\"o\"}\n\n", string(FormatSSE(ev)))
}

func TestReTimestampRewritesTimestampField(t *testing.T) {
	data := []byte(`{"type":"o","timestamp":0,"text":"hi"}`)
	out := reTimestamp(data, 12345)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, float64(12345), m["timestamp"])
	assert.Equal(t, "hi", m["text"])
}
