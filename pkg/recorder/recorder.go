// Package recorder writes the asciinema v2 recording each session's
// stream-out file holds: a header line, one output event per write, and
// a trailing exit event (spec §4.3).
package recorder

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

// Header is the asciinema v2 header line written once, before any
// events, at the top of stream-out.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// Recorder appends asciinema events to a single session's recording
// file. It implements session.OutputSink; Write is called from the PTY
// read goroutine and must never block it, so a failed write is logged
// and dropped rather than retried.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	start   time.Time
	sessionID string
	logger  *zap.SugaredLogger
}

// Open creates (or truncates) path and writes the asciinema header.
func Open(path string, cols, rows int, sessionID string, logger *zap.SugaredLogger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	start := time.Now()
	header := Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: start.Unix(),
		Env:       map[string]string{"TERM": os.Getenv("TERM")},
	}
	data, err := json.Marshal(header)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Recorder{file: f, start: start, sessionID: sessionID, logger: logger}, nil
}

// Write implements session.OutputSink. sessionID is accepted to satisfy
// the interface but every Recorder is scoped to exactly one session.
func (r *Recorder) Write(_ string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	event := []any{time.Since(r.start).Seconds(), "o", string(data)}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := r.file.Write(append(line, '\n')); err != nil && r.logger != nil {
		r.logger.Warnw("recorder write failed", "session", r.sessionID, "error", err)
	}
}

// Resize appends a resize event (spec's "r" event, matching the WIDTHxHEIGHT
// marker format already in use across the corpus's asciinema readers).
func (r *Recorder) Resize(cols, rows int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	event := []any{time.Since(r.start).Seconds(), "r", fmt.Sprintf("%dx%d", cols, rows)}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = r.file.Write(append(line, '\n'))
}

// Close appends the final exit event and closes the file. The event has
// no leading timestamp, unlike "o"/"r" events: it is a bare
// ["exit", code, sessionId] triple per spec. Safe to call more than once.
func (r *Recorder) Close(exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	event := []any{"exit", exitCode, r.sessionID}
	if line, err := json.Marshal(event); err == nil {
		_, _ = r.file.Write(append(line, '\n'))
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ReplaySink receives events read back from an existing recording, in
// file order. It mirrors session.OutputSink/ResizeSink so the terminal
// emulator cache can feed a freshly created emulator the same way it
// feeds a live one.
type ReplaySink interface {
	Write(data []byte)
	Resize(cols, rows int)
}

// Replay reads an existing stream-out file from the beginning and
// delivers every "o" and "r" event to sink, so a newly created emulator
// can catch up on a session's history before it ever sees live bytes
// (spec §4.4: "replay the stream file into it"). The header and any
// trailing exit event are consumed but not delivered. A missing file is
// not an error: a session that has produced no output yet has none.
func Replay(path string, sink ReplaySink) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	first := true
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if first {
				first = false
			} else {
				replayLine(line, sink)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func replayLine(line []byte, sink ReplaySink) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil || len(raw) < 2 {
		return
	}

	var first string
	if json.Unmarshal(raw[0], &first) == nil && first == "exit" {
		return
	}

	var kind string
	if err := json.Unmarshal(raw[1], &kind); err != nil || len(raw) < 3 {
		return
	}
	switch kind {
	case "o":
		var text string
		if json.Unmarshal(raw[2], &text) == nil {
			sink.Write([]byte(text))
		}
	case "r":
		var dims string
		if json.Unmarshal(raw[2], &dims) == nil {
			var cols, rows int
			if n, _ := fmt.Sscanf(dims, "%dx%d", &cols, &rows); n == 2 {
				sink.Resize(cols, rows)
			}
		}
	}
}
