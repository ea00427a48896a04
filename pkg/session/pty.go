package session

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/vibetunnel/vibetunnel/pkg/control"
)

// PTY wraps the creack/pty handle and the child process for a
// server-owned session. It is exclusively owned by its Session; nothing
// else touches file or cmd directly.
type PTY struct {
	session *Session
	file    *os.File
	cmd     *exec.Cmd
}

func newPTY(s *Session) (*PTY, error) {
	info := s.GetInfo()

	cmd := exec.Command(info.Command[0], info.Command[1:]...)
	cmd.Dir = info.WorkingDir
	cmd.Env = append(os.Environ(), "TERM="+info.Term)

	file, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(info.Rows),
		Cols: uint16(info.Cols),
	})
	if err != nil {
		return nil, err
	}

	// Created for layout parity with external sessions; the supervisor
	// writes directly into file for its own input path and does not read
	// these back.
	if err := control.CreateFIFO(s.StdinPath()); err != nil && s.logger != nil {
		s.logger.Warnw("failed to create stdin fifo", "session", s.ID, "error", err)
	}
	if err := control.CreateFIFO(s.ControlFIFOPath()); err != nil && s.logger != nil {
		s.logger.Warnw("failed to create control fifo", "session", s.ID, "error", err)
	}

	return &PTY{session: s, file: file, cmd: cmd}, nil
}

func (p *PTY) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *PTY) Resize(cols, rows int) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *PTY) Write(data []byte) (int, error) {
	return p.file.Write(data)
}

func (p *PTY) Close() error {
	return p.file.Close()
}

// wait blocks until the child exits, closes the PTY handle, and returns
// the observed exit code.
func (p *PTY) wait() int {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				code = status.ExitStatus()
			}
		}
	}
	_ = p.file.Close()
	return code
}
