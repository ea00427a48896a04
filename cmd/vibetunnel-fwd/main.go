// Command vibetunnel-fwd spawns a command under a PTY and produces an
// external session the server can adopt purely by watching the control
// directory (spec §4.10) — it never calls into the server process.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibetunnel/vibetunnel/pkg/control"
	"github.com/vibetunnel/vibetunnel/pkg/recorder"
	"github.com/vibetunnel/vibetunnel/pkg/session"
)

var (
	sessionID   string
	monitorOnly bool
)

func main() {
	root := &cobra.Command{
		Use:                "vibetunnel-fwd [flags] -- <command> [args...]",
		Short:              "spawn and forward a PTY session as an on-disk external session",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runForward(args)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			os.Exit(code)
			return nil
		},
	}
	root.Flags().StringVar(&sessionID, "session-id", "", "use this id instead of generating one")
	root.Flags().BoolVar(&monitorOnly, "monitor-only", false, "record the session without forwarding this process's stdin")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func runForward(args []string) (int, error) {
	id := sessionID
	if id == "" {
		id = uuid.New().String()
	}

	root := control.DefaultRoot()
	dir := control.SessionDir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 2, fmt.Errorf("create session directory: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	cols, rows := terminalSize()
	termEnv := os.Getenv("TERM")
	if termEnv == "" {
		termEnv = "xterm-256color"
	}

	info := session.Info{
		Name:        filepath.Base(args[0]) + "_" + strconv.FormatInt(time.Now().Unix(), 10),
		Command:     args,
		WorkingDir:  cwd,
		Status:      session.StatusStarting,
		StartedAt:   time.Now(),
		Term:        termEnv,
		SpawnType:   session.SpawnExternal,
		ControlPath: filepath.Join(dir, control.ControlFIFO),
		Cols:        cols,
		Rows:        rows,
	}
	if err := writeInfo(dir, &info); err != nil {
		return 2, fmt.Errorf("write session.json: %w", err)
	}

	stdinPath := filepath.Join(dir, control.StdinFIFO)
	controlPath := filepath.Join(dir, control.ControlFIFO)
	if err := control.CreateFIFO(stdinPath); err != nil {
		return 2, fmt.Errorf("create stdin fifo: %w", err)
	}
	if err := control.CreateFIFO(controlPath); err != nil {
		return 2, fmt.Errorf("create control fifo: %w", err)
	}

	rec, err := recorder.Open(filepath.Join(dir, control.StreamFile), cols, rows, id, nil)
	if err != nil {
		return 2, fmt.Errorf("open recording: %w", err)
	}

	cmdExec := buildCmd(args, cwd)
	ptmx, err := pty.StartWithSize(cmdExec, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		_ = rec.Close(1)
		return 2, fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	info.Status = session.StatusRunning
	info.PID = cmdExec.Process.Pid
	if err := writeInfo(dir, &info); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist running status: %v\n", err)
	}

	var fwdState struct {
		mu    sync.Mutex
		cols  int
		rows  int
	}
	fwdState.cols, fwdState.rows = cols, rows

	go watchControlFIFO(controlPath, ptmx, cmdExec.Process.Pid, rec, &fwdState.mu, &fwdState.cols, &fwdState.rows)
	go forwardStdinFIFO(stdinPath, ptmx)

	var oldState *term.State
	if !monitorOnly && term_IsTerminal(os.Stdin) {
		oldState, _ = term.MakeRaw(int(os.Stdin.Fd()))
		defer term.Restore(int(os.Stdin.Fd()), oldState)
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					_, _ = ptmx.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
	}()

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				rec.Write(id, chunk)
				if !monitorOnly {
					_, _ = os.Stdout.Write(chunk)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	exitCode := waitForExit(cmdExec)
	<-outDone

	info.Status = session.StatusExited
	info.ExitCode = &exitCode
	_ = writeInfo(dir, &info)
	_ = rec.Close(exitCode)

	return exitCode, nil
}

func writeInfo(dir string, info *session.Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return control.AtomicWriteJSON(dir, control.InfoFile, data)
}

func terminalSize() (int, int) {
	if term_IsTerminal(os.Stdout) {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			return w, h
		}
	}
	return 80, 24
}

func term_IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// watchControlFIFO tails the control FIFO for newline-delimited JSON
// commands. Unknown commands are logged and ignored per spec.md §6.
func watchControlFIFO(path string, ptmx *os.File, pid int, rec *recorder.Recorder, mu *sync.Mutex, cols, rows *int) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg struct {
			Cmd    string `json:"cmd"`
			Cols   int    `json:"cols"`
			Rows   int    `json:"rows"`
			Signal string `json:"signal"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			fmt.Fprintf(os.Stderr, "vibetunnel-fwd: malformed control message: %v\n", err)
			continue
		}
		switch msg.Cmd {
		case "resize":
			_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(msg.Cols), Rows: uint16(msg.Rows)})
			mu.Lock()
			*cols, *rows = msg.Cols, msg.Rows
			mu.Unlock()
			rec.Resize(msg.Cols, msg.Rows)
		case "kill":
			sig := syscall.SIGTERM
			switch msg.Signal {
			case "SIGKILL":
				sig = syscall.SIGKILL
			case "SIGINT":
				sig = syscall.SIGINT
			}
			_ = syscall.Kill(pid, sig)
		default:
			fmt.Fprintf(os.Stderr, "vibetunnel-fwd: ignoring unknown control command %q\n", msg.Cmd)
		}
	}
}

// forwardStdinFIFO relays bytes written to the external stdin FIFO (by
// the server, on behalf of a remote client) into the PTY.
func forwardStdinFIFO(path string, ptmx *os.File) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = ptmx.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitForExit blocks until cmd exits and returns its exit code, read from
// the wait status as the supervisor's own PTY.wait does. A Wait error
// that carries no exit status yields 1 here, where PTY.wait reports 0.
func waitForExit(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return 1
}

func buildCmd(args []string, cwd string) *exec.Cmd {
	c := exec.Command(args[0], args[1:]...)
	c.Dir = cwd
	c.Env = os.Environ()
	return c
}
