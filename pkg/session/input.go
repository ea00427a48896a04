package session

import (
	"encoding/json"
	"os"
	"syscall"
	"time"

	"github.com/vibetunnel/vibetunnel/pkg/control"
)

const (
	chunkSize          = 4 * 1024
	inputQueueCapacity = 1000
)

var keySequences = map[string]string{
	"enter":      "\r",
	"escape":     "\x1b",
	"tab":        "\t",
	"backspace":  "\x7f",
	"arrow_up":   "\x1b[A",
	"arrow_down": "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left": "\x1b[D",
	"ctrl_c":     "\x03",
	"ctrl_d":     "\x04",
	"ctrl_z":     "\x1a",
	"page_up":    "\x1b[5~",
	"page_down":  "\x1b[6~",
	"home":       "\x1b[H",
	"end":        "\x1b[F",
}

// SendInput writes text to the child, chunking it into ≤4KiB writes and
// queueing them behind a bounded channel so a large paste cannot stall
// the PTY read loop. It returns a Backpressure error, without enqueueing
// anything, once the queue is more than half full.
func (s *Session) SendInput(text string) error {
	info := s.GetInfo()
	if info.Status == StatusExited {
		return nil
	}
	if s.inputQueue == nil {
		if info.SpawnType == SpawnExternal {
			if err := s.writeExternalInput([]byte(text)); err != nil {
				return errIO(s.ID, "failed to write external input", err)
			}
			return nil
		}
		return errIO(s.ID, "session not started", nil)
	}

	if len(s.inputQueue) > cap(s.inputQueue)/2 {
		return errBackpressure(s.ID)
	}

	data := []byte(text)
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		select {
		case s.inputQueue <- chunk:
		default:
			return errBackpressure(s.ID)
		}
		data = data[n:]
	}
	return nil
}

// SendKey maps a symbolic key name to its control sequence and delegates
// to SendInput.
func (s *Session) SendKey(keyName string) error {
	seq, ok := keySequences[keyName]
	if !ok {
		return errInvalidArgument(s.ID, "unknown key: "+keyName)
	}
	return s.SendInput(seq)
}

func (s *Session) pumpInput() {
	for {
		select {
		case chunk, ok := <-s.inputQueue:
			if !ok {
				return
			}
			s.writeChunk(chunk)
		case <-s.inputDone:
			return
		}
	}
}

func (s *Session) writeChunk(data []byte) {
	info := s.GetInfo()
	if info.SpawnType == SpawnExternal {
		if err := s.writeExternalInput(data); err != nil && s.logger != nil {
			s.logger.Warnw("failed to write external input", "session", s.ID, "error", err)
		}
		return
	}
	if s.pty == nil {
		return
	}
	if _, err := s.pty.Write(data); err != nil && s.logger != nil {
		s.logger.Warnw("failed to write pty input", "session", s.ID, "error", err)
	}
}

// writeExternalInput writes to the stdin FIFO in non-blocking mode,
// falling back to a direct file write if the target turned out not to
// be a FIFO (e.g. the forwarding CLI hasn't created it yet).
func (s *Session) writeExternalInput(data []byte) error {
	path := s.StdinPath()
	fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if control.IsFIFO(path) {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}
	defer syscall.Close(fd)
	_, err = syscall.Write(fd, data)
	return err
}

// Resize applies TIOCSWINSZ directly for owned sessions, or writes a
// resize control message for external ones (falling back to SIGWINCH).
// Resizing to the current dimensions is a no-op: no session.json write,
// no control-pipe traffic.
func (s *Session) Resize(cols, rows int) error {
	if cols < 1 || cols > maxDimension || rows < 1 || rows > maxDimension {
		return errInvalidArgument(s.ID, "dimensions out of range")
	}

	info := s.GetInfo()
	if info.Status == StatusExited {
		return errConflict(s.ID, "cannot resize exited session")
	}
	if info.Cols == cols && info.Rows == rows {
		return nil
	}

	if info.SpawnType == SpawnPTY {
		if s.pty == nil {
			return errIO(s.ID, "session not started", nil)
		}
		if err := s.pty.Resize(cols, rows); err != nil {
			return errIO(s.ID, "resize failed", err)
		}
	} else {
		if err := s.writeControlMessage(map[string]any{"cmd": "resize", "cols": cols, "rows": rows}); err != nil {
			if info.PID > 0 {
				_ = syscall.Kill(info.PID, syscall.SIGWINCH)
			}
		}
	}

	s.mu.Lock()
	s.info.Cols = cols
	s.info.Rows = rows
	updated := *s.info
	s.mu.Unlock()

	if err := saveInfo(s.Path(), &updated); err != nil {
		return errIO(s.ID, "failed to persist resize", err)
	}
	s.publishResize(cols, rows)
	return nil
}

// Kill terminates the child: SIGTERM with a 3s grace period, escalating
// to SIGKILL. For external sessions the same sequence is requested over
// the control FIFO. Killing an already-dead session succeeds.
func (s *Session) Kill() error {
	info := s.GetInfo()
	if info.Status == StatusExited {
		return nil
	}

	if info.SpawnType == SpawnExternal {
		_ = s.writeControlMessage(map[string]any{"cmd": "kill", "signal": "SIGTERM"})
	} else if info.PID > 0 {
		if proc, err := os.FindProcess(info.PID); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if !s.IsAlive() {
			return nil
		}
		time.Sleep(killPollPeriod)
	}

	if !s.IsAlive() {
		return nil
	}

	if info.SpawnType == SpawnExternal {
		_ = s.writeControlMessage(map[string]any{"cmd": "kill", "signal": "SIGKILL"})
	} else if info.PID > 0 {
		if proc, err := os.FindProcess(info.PID); err == nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}
	return nil
}

func (s *Session) writeControlMessage(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := s.ControlFIFOPath()
	fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if control.IsFIFO(path) {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}
	defer syscall.Close(fd)
	_, err = syscall.Write(fd, data)
	return err
}
