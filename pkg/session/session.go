// Package session owns PTY lifecycles: spawning child processes under a
// pseudo-terminal, persisting their metadata to the control directory,
// and fanning output out to whatever sinks (recorder, emulator cache)
// the manager has attached.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel/pkg/control"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

type SpawnType string

const (
	SpawnPTY      SpawnType = "pty"
	SpawnExternal SpawnType = "external"
)

const (
	maxDimension   = 1000
	killGrace      = 3 * time.Second
	killPollPeriod = 100 * time.Millisecond
)

// Config describes a session to be created. Command is required; every
// other field has a default applied by newSession.
type Config struct {
	Name       string
	Command    []string
	WorkingDir string
	Term       string
	Cols       int
	Rows       int
	SpawnType  SpawnType // defaults to SpawnPTY
}

// Info is the JSON-serializable session record persisted as
// session.json (see spec §6).
type Info struct {
	ID          string    `json:"-"`
	Name        string    `json:"name"`
	Command     []string  `json:"cmdline"`
	WorkingDir  string    `json:"cwd"`
	Status      Status    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Term        string    `json:"term"`
	SpawnType   SpawnType `json:"spawn_type"`
	PID         int       `json:"pid,omitempty"`
	ControlPath string    `json:"control_path,omitempty"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
}

// OutputSink receives every byte the child writes, in order. Write must
// not block the PTY read loop; slow sinks apply their own backpressure
// (dropping snapshots, never recording bytes) rather than stalling here.
type OutputSink interface {
	Write(sessionID string, data []byte)
}

// ResizeSink is an optional capability an OutputSink may implement to
// learn about dimension changes (the recorder's "r" event, the emulator
// cache's live buffer reflow). Sinks that don't need it simply don't
// implement it.
type ResizeSink interface {
	Resize(cols, rows int)
}

// Session owns the live PTY handle (when SpawnType is SpawnPTY) and the
// session directory. The directory itself is shared: the manager, the
// stream watcher, and API handlers all read session.json and stream-out.
type Session struct {
	ID          string
	controlRoot string
	logger      *zap.SugaredLogger

	mu   sync.RWMutex
	info *Info

	pty *PTY

	sinkMu sync.RWMutex
	sinks  []OutputSink

	inputMu    sync.Mutex
	inputQueue chan []byte
	inputDone  chan struct{}

	stdinMu   sync.Mutex
	stdinPipe *os.File

	onExitMu sync.Mutex
	onExit   []func(code int)
}

func newInfo(id string, cfg Config) *Info {
	name := cfg.Name
	if name == "" {
		name = id[:8]
	}
	command := cfg.Command
	if len(command) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		command = []string{shell}
	}
	cwd := cfg.WorkingDir
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		} else {
			cwd = os.Getenv("HOME")
		}
	}
	term := cfg.Term
	if term == "" {
		term = "xterm-256color"
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	spawnType := cfg.SpawnType
	if spawnType == "" {
		spawnType = SpawnPTY
	}
	return &Info{
		ID:         id,
		Name:       name,
		Command:    command,
		WorkingDir: cwd,
		Status:     StatusStarting,
		StartedAt:  time.Now(),
		Term:       term,
		SpawnType:  spawnType,
		Cols:       cols,
		Rows:       rows,
	}
}

// newSession validates cfg, creates the session directory and writes
// the initial session.json. It does not start the PTY; callers that
// want a live child must call Start.
func newSession(controlRoot string, cfg Config, logger *zap.SugaredLogger) (*Session, error) {
	if cfg.SpawnType == "" || cfg.SpawnType == SpawnPTY {
		if len(cfg.Command) == 0 {
			// newInfo will fill in a shell default; that is intentional
			// for interactive use but CreateSession (the API path)
			// rejects an explicitly empty command, see Manager.CreateSession.
		}
		if cfg.Cols < 0 || cfg.Cols > maxDimension || cfg.Rows < 0 || cfg.Rows > maxDimension {
			return nil, errInvalidArgument("", fmt.Sprintf("dimensions out of range: %dx%d", cfg.Cols, cfg.Rows))
		}
	}

	id := uuid.New().String()
	dir := filepath.Join(controlRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errIO(id, "failed to create session directory", err)
	}

	info := newInfo(id, cfg)
	if err := saveInfo(dir, info); err != nil {
		_ = os.RemoveAll(dir)
		return nil, errIO(id, "failed to save session info", err)
	}

	return &Session{
		ID:          id,
		controlRoot: controlRoot,
		logger:      logger,
		info:        info,
	}, nil
}

func loadSession(controlRoot, id string, logger *zap.SugaredLogger) (*Session, error) {
	dir := filepath.Join(controlRoot, id)
	info, err := loadInfo(dir)
	if err != nil {
		return nil, errNotFound(id)
	}
	info.ID = id

	if _, err := os.Stat(filepath.Join(dir, control.StreamFile)); os.IsNotExist(err) {
		if info.Status == StatusRunning {
			info.Status = StatusExited
			code := 1
			info.ExitCode = &code
			_ = saveInfo(dir, info)
		}
	}

	return &Session{
		ID:          id,
		controlRoot: controlRoot,
		logger:      logger,
		info:        info,
	}, nil
}

func (s *Session) Path() string { return control.SessionDir(s.controlRoot, s.ID) }
func (s *Session) StreamOutPath() string {
	return filepath.Join(s.Path(), control.StreamFile)
}
func (s *Session) StdinPath() string       { return filepath.Join(s.Path(), control.StdinFIFO) }
func (s *Session) ControlFIFOPath() string { return filepath.Join(s.Path(), control.ControlFIFO) }

// GetInfo returns a copy of the session's current metadata.
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := *s.info
	return info
}

// AddSink registers an output consumer; order is not significant. Sinks
// are notified from the PTY read goroutine and must not block.
func (s *Session) AddSink(sink OutputSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// OnExit registers a callback fired exactly once when the child exits,
// after session.json has been updated. The session does not close any
// recording itself; a recorder's owner does that from its own callback.
func (s *Session) OnExit(fn func(code int)) {
	s.onExitMu.Lock()
	defer s.onExitMu.Unlock()
	s.onExit = append(s.onExit, fn)
}

func (s *Session) publish(data []byte) {
	s.sinkMu.RLock()
	sinks := append([]OutputSink(nil), s.sinks...)
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink.Write(s.ID, data)
	}
}

func (s *Session) publishResize(cols, rows int) {
	s.sinkMu.RLock()
	sinks := append([]OutputSink(nil), s.sinks...)
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		if rs, ok := sink.(ResizeSink); ok {
			rs.Resize(cols, rows)
		}
	}
}

// Start spawns the child under a PTY and begins pumping I/O. Only valid
// for SpawnPTY sessions.
func (s *Session) Start() error {
	pty, err := newPTY(s)
	if err != nil {
		return errIO(s.ID, "failed to start pty", err)
	}

	s.mu.Lock()
	s.pty = pty
	s.info.Status = StatusRunning
	s.info.PID = pty.Pid()
	info := *s.info
	s.mu.Unlock()

	if err := saveInfo(s.Path(), &info); err != nil {
		_ = pty.Close()
		return errIO(s.ID, "failed to persist running status", err)
	}

	s.inputQueue = make(chan []byte, inputQueueCapacity)
	s.inputDone = make(chan struct{})
	go s.pumpInput()
	go s.runPTY(pty)

	return nil
}

func (s *Session) runPTY(pty *PTY) {
	buf := make([]byte, 64*1024)
	for {
		n, err := pty.file.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.publish(chunk)
		}
		if err != nil {
			break
		}
	}

	code := pty.wait()
	s.handleExit(code)
}

func (s *Session) handleExit(code int) {
	s.mu.Lock()
	s.info.Status = StatusExited
	s.info.ExitCode = &code
	info := *s.info
	s.mu.Unlock()

	if err := saveInfo(s.Path(), &info); err != nil && s.logger != nil {
		s.logger.Warnw("failed to persist exited status", "session", s.ID, "error", err)
	}

	if s.inputDone != nil {
		close(s.inputDone)
	}

	s.onExitMu.Lock()
	callbacks := make([]func(int), len(s.onExit))
	copy(callbacks, s.onExit)
	s.onExitMu.Unlock()
	for _, cb := range callbacks {
		cb(code)
	}
}

// IsAlive reports whether the child process is still running, using a
// plain kill(pid, 0) on POSIX and gopsutil's PID table on Windows.
func (s *Session) IsAlive() bool {
	info := s.GetInfo()
	if info.PID == 0 {
		return false
	}
	if info.Status == StatusExited {
		return false
	}

	if runtime.GOOS == "windows" {
		exists, err := process.PidExists(int32(info.PID))
		return err == nil && exists
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// UpdateStatus reconciles an in-memory exited flag with OS reality; used
// by Manager.ListSessions for sessions loaded fresh from disk.
func (s *Session) UpdateStatus() error {
	info := s.GetInfo()
	if info.Status == StatusExited {
		return nil
	}
	if s.IsAlive() {
		return nil
	}
	s.mu.Lock()
	s.info.Status = StatusExited
	if s.info.ExitCode == nil {
		code := 0
		s.info.ExitCode = &code
	}
	updated := *s.info
	s.mu.Unlock()
	return saveInfo(s.Path(), &updated)
}

func saveInfo(dir string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return control.AtomicWriteJSON(dir, control.InfoFile, data)
}

func loadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, control.InfoFile))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse session.json: %w", err)
	}
	if info.Cols <= 0 {
		info.Cols = 80
	}
	if info.Rows <= 0 {
		info.Rows = 24
	}
	return &info, nil
}

// expandHome resolves a leading ~ the way the API's POST /sessions does.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
