package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")

	rec, err := Open(path, 80, 24, "sess-1", nil)
	require.NoError(t, err)
	defer rec.Close(0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(t, data)
	require.Len(t, lines, 1)

	var header Header
	require.NoError(t, json.Unmarshal(lines[0], &header))
	assert.Equal(t, 2, header.Version)
	assert.Equal(t, 80, header.Width)
	assert.Equal(t, 24, header.Height)
}

func TestWriteAppendsTimestampedOutputEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")

	rec, err := Open(path, 80, 24, "sess-1", nil)
	require.NoError(t, err)

	rec.Write("sess-1", []byte("hello"))
	require.NoError(t, rec.Close(0))

	lines := splitLines(t, readFile(t, path))
	require.Len(t, lines, 3) // header, "o" event, exit event

	var event []any
	require.NoError(t, json.Unmarshal(lines[1], &event))
	require.Len(t, event, 3)
	assert.IsType(t, float64(0), event[0])
	assert.Equal(t, "o", event[1])
	assert.Equal(t, "hello", event[2])
}

func TestCloseWritesBareExitTripleWithNoTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")

	rec, err := Open(path, 80, 24, "sess-42", nil)
	require.NoError(t, err)
	require.NoError(t, rec.Close(17))

	lines := splitLines(t, readFile(t, path))
	require.Len(t, lines, 2)

	var event []any
	require.NoError(t, json.Unmarshal(lines[1], &event))
	require.Len(t, event, 3)
	assert.Equal(t, "exit", event[0])
	assert.Equal(t, float64(17), event[1])
	assert.Equal(t, "sess-42", event[2])
}

func TestCloseIsSafeToCallTwice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")

	rec, err := Open(path, 80, 24, "sess-1", nil)
	require.NoError(t, err)
	assert.NoError(t, rec.Close(0))
	assert.NoError(t, rec.Close(0))
}

func TestResizeEventFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")

	rec, err := Open(path, 80, 24, "sess-1", nil)
	require.NoError(t, err)
	rec.Resize(120, 40)
	require.NoError(t, rec.Close(0))

	lines := splitLines(t, readFile(t, path))
	require.Len(t, lines, 3)

	var event []any
	require.NoError(t, json.Unmarshal(lines[1], &event))
	assert.Equal(t, "r", event[1])
	assert.Equal(t, "120x40", event[2])
}

type fakeReplaySink struct {
	writes  [][]byte
	resizes [][2]int
}

func (f *fakeReplaySink) Write(data []byte) {
	f.writes = append(f.writes, append([]byte(nil), data...))
}
func (f *fakeReplaySink) Resize(cols, rows int) {
	f.resizes = append(f.resizes, [2]int{cols, rows})
}

func TestReplayDeliversOutputAndResizeButNotExit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")

	rec, err := Open(path, 80, 24, "sess-1", nil)
	require.NoError(t, err)
	rec.Write("sess-1", []byte("first"))
	rec.Resize(100, 30)
	rec.Write("sess-1", []byte("second"))
	require.NoError(t, rec.Close(0))

	sink := &fakeReplaySink{}
	require.NoError(t, Replay(path, sink))

	require.Len(t, sink.writes, 2)
	assert.Equal(t, "first", string(sink.writes[0]))
	assert.Equal(t, "second", string(sink.writes[1]))
	require.Len(t, sink.resizes, 1)
	assert.Equal(t, [2]int{100, 30}, sink.resizes[0])
}

func TestReplayOfMissingFileIsNotAnError(t *testing.T) {
	sink := &fakeReplaySink{}
	err := Replay(filepath.Join(t.TempDir(), "does-not-exist"), sink)
	assert.NoError(t, err)
	assert.Empty(t, sink.writes)
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func splitLines(t *testing.T, data []byte) [][]byte {
	t.Helper()
	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}
