package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/entl/termcore/internal/logging"
)

// drainTimeout bounds how long the exit monitor waits for the reader to
// deliver the child's final output before reporting the exit. A grandchild
// holding the slave open would otherwise delay the notification forever.
const drainTimeout = 200 * time.Millisecond

// PTY is a Transport backed by a pseudo-terminal pair.
type PTY struct {
	logger *zap.Logger

	mu        sync.Mutex
	handler   Handler
	master    *os.File
	slave     *os.File // held open only for empty PTYs
	slaveName string
	cmd       *exec.Cmd
	rows      int
	cols      int
	started   bool
	running   bool
	closed    bool
	exitCode  int
	flow      bool
	utf8      bool
	erase     byte

	done chan struct{}
}

var _ Transport = (*PTY)(nil)

// NewPTY creates an unstarted PTY transport.
func NewPTY(logger *zap.Logger) *PTY {
	return &PTY{
		logger: logging.OrNop(logger).Named("transport"),
		flow:   true,
		utf8:   true,
		erase:  0x7f,
		done:   make(chan struct{}),
	}
}

// SetHandler installs the notification callbacks. Call it before Start.
func (p *PTY) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Start opens a PTY pair and spawns program with argv on the slave side.
// argv[0] is passed to the child as its own name.
func (p *PTY) Start(program string, argv []string, env []string, dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}
	if program == "" {
		return errors.New("start: empty program")
	}

	master, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	if err := p.prepareLocked(tty); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return err
	}

	cmd := exec.Command(program)
	if len(argv) > 0 {
		cmd.Args = argv
	}
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return fmt.Errorf("start %s: %w", program, err)
	}
	// The child holds its own copy; keeping ours would hide EOF on exit.
	_ = tty.Close()

	p.master = master
	p.slaveName = tty.Name()
	p.cmd = cmd
	p.started = true
	p.running = true

	readDone := make(chan struct{})
	go p.readOutput(master, readDone)
	go p.monitorProcess(cmd, readDone)

	p.logger.Debug("process started",
		zap.String("program", program),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("tty", p.slaveName))
	return nil
}

// StartEmpty opens a PTY pair without a child process. Anything written to
// the slave by other programs is delivered through OnData.
func (p *PTY) StartEmpty() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}

	master, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	if err := p.prepareLocked(tty); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return err
	}

	p.master = master
	p.slave = tty
	p.slaveName = tty.Name()
	p.started = true

	go p.readOutput(master, make(chan struct{}))
	return nil
}

// prepareLocked applies the stored window size and line discipline settings
// to a freshly opened slave.
func (p *PTY) prepareLocked(tty *os.File) error {
	if p.rows > 0 && p.cols > 0 {
		if err := pty.Setsize(tty, &pty.Winsize{Rows: uint16(p.rows), Cols: uint16(p.cols)}); err != nil {
			return fmt.Errorf("set window size: %w", err)
		}
	}
	flow, utf8, erase := p.flow, p.utf8, p.erase
	err := updateTermios(tty, func(t *unix.Termios) {
		setFlowControl(t, flow)
		setUTF8(t, utf8)
		t.Cc[unix.VERASE] = erase
	})
	if err != nil {
		p.logger.Debug("termios setup failed", zap.Error(err))
	}
	return nil
}

// Send writes data to the child.
func (p *PTY) Send(data []byte, userInput bool) error {
	p.mu.Lock()
	master := p.master
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if master == nil {
		return ErrNotRunning
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := master.Write(data); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// SetWindowSize records the size and pushes it to the terminal if open.
func (p *PTY) SetWindowSize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid window size %dx%d", rows, cols)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rows, p.cols = rows, cols
	if p.master == nil {
		return nil
	}
	if err := pty.Setsize(p.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("set window size: %w", err)
	}
	return nil
}

// WindowSize returns the last size set, or the terminal's own size when open.
func (p *PTY) WindowSize() (rows, cols int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.master != nil {
		if r, c, err := pty.Getsize(p.master); err == nil {
			return r, c
		}
	}
	return p.rows, p.cols
}

// ForegroundProcessGroup returns the process group owning the terminal, or 0.
func (p *PTY) ForegroundProcessGroup() int {
	p.mu.Lock()
	master := p.master
	p.mu.Unlock()

	if master == nil {
		return 0
	}
	pgrp := 0
	_ = control(master, func(fd int) error {
		v, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP)
		if err == nil {
			pgrp = v
		}
		return err
	})
	return pgrp
}

// Pid returns the child's pid, or 0 when no child was spawned.
func (p *PTY) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// IsRunning reports whether the child is alive.
func (p *PTY) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ExitStatus returns the child's exit code once it has finished.
func (p *PTY) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Signal delivers sig to the child.
func (p *PTY) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	running := p.running
	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	p.mu.Unlock()

	if !running || pid <= 0 {
		return ErrNotRunning
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// WaitForFinished blocks until the child exits or timeout elapses.
func (p *PTY) WaitForFinished(timeout time.Duration) bool {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// SetFlowControl toggles XON/XOFF handling on the terminal.
func (p *PTY) SetFlowControl(enabled bool) {
	p.mu.Lock()
	p.flow = enabled
	f := p.ttyLocked()
	p.mu.Unlock()

	if f != nil {
		_ = updateTermios(f, func(t *unix.Termios) { setFlowControl(t, enabled) })
	}
}

// FlowControl reports whether XON/XOFF handling is enabled.
func (p *PTY) FlowControl() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flow
}

// SetUTF8 toggles the kernel's UTF-8 aware line editing.
func (p *PTY) SetUTF8(enabled bool) {
	p.mu.Lock()
	p.utf8 = enabled
	f := p.ttyLocked()
	p.mu.Unlock()

	if f != nil {
		_ = updateTermios(f, func(t *unix.Termios) { setUTF8(t, enabled) })
	}
}

// SetErase sets the terminal's erase character.
func (p *PTY) SetErase(b byte) {
	p.mu.Lock()
	p.erase = b
	f := p.ttyLocked()
	p.mu.Unlock()

	if f != nil {
		_ = updateTermios(f, func(t *unix.Termios) { t.Cc[unix.VERASE] = b })
	}
}

// Erase returns the terminal's erase character.
func (p *PTY) Erase() byte {
	p.mu.Lock()
	f := p.ttyLocked()
	erase := p.erase
	p.mu.Unlock()

	if f != nil {
		if t, err := getTermios(f); err == nil {
			return t.Cc[unix.VERASE]
		}
	}
	return erase
}

// SetWriteable grants or revokes group write permission on the slave
// device, which is what write(1) and wall(1) check.
func (p *PTY) SetWriteable(writeable bool) {
	p.mu.Lock()
	name := p.slaveName
	p.mu.Unlock()

	if name == "" {
		return
	}
	info, err := os.Stat(name)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if writeable {
		mode |= 0o020
	} else {
		mode &^= 0o020
	}
	if err := os.Chmod(name, mode); err != nil {
		p.logger.Debug("chmod tty failed", zap.String("tty", name), zap.Error(err))
	}
}

// SlaveName returns the slave device path.
func (p *PTY) SlaveName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slaveName
}

// Close releases the terminal and kills the child if it is still running.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	master, slave := p.master, p.slave
	var proc *os.Process
	if p.running && p.cmd != nil {
		proc = p.cmd.Process
	}
	p.mu.Unlock()

	var errs []error
	if master != nil {
		errs = append(errs, master.Close())
	}
	if slave != nil {
		errs = append(errs, slave.Close())
	}
	if proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ttyLocked returns a file whose termios can be changed: the slave for
// empty PTYs, the master otherwise.
func (p *PTY) ttyLocked() *os.File {
	if p.slave != nil {
		return p.slave
	}
	return p.master
}

func (p *PTY) currentHandler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// readOutput continuously reads from the PTY and hands each block to OnData.
func (p *PTY) readOutput(r *os.File, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if h := p.currentHandler(); h.OnData != nil {
				h.OnData(data)
			}
		}
		if err != nil {
			// EIO is how Linux reports that the last slave descriptor closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				p.logger.Warn("error reading pty", zap.Error(err))
			}
			p.logger.Debug("output reader stopped")
			return
		}
	}
}

// monitorProcess waits for the child and reports its exit after the reader
// has drained.
func (p *PTY) monitorProcess(cmd *exec.Cmd, readDone <-chan struct{}) {
	err := cmd.Wait()
	code, crashed := exitCode(cmd.ProcessState, err)

	select {
	case <-readDone:
	case <-time.After(drainTimeout):
	}

	p.mu.Lock()
	p.running = false
	p.exitCode = code
	h := p.handler
	p.mu.Unlock()
	close(p.done)

	if crashed {
		p.logger.Debug("process terminated abnormally", zap.Error(err))
	} else {
		p.logger.Debug("process exited", zap.Int("code", code))
	}
	if h.OnFinished != nil {
		h.OnFinished(code, crashed)
	}
}

func exitCode(ps *os.ProcessState, err error) (int, bool) {
	if ps == nil {
		return -1, true
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, true
	}
	return ps.ExitCode(), false
}

// control runs fn against the raw descriptor without switching the file to
// blocking mode, so a concurrent Close still unblocks the reader.
func control(f *os.File, fn func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func getTermios(f *os.File) (*unix.Termios, error) {
	var t *unix.Termios
	err := control(f, func(fd int) error {
		var err error
		t, err = unix.IoctlGetTermios(fd, ioctlGetTermios)
		return err
	})
	return t, err
}

func updateTermios(f *os.File, mutate func(*unix.Termios)) error {
	return control(f, func(fd int) error {
		t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
		if err != nil {
			return fmt.Errorf("get termios: %w", err)
		}
		mutate(t)
		if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
			return fmt.Errorf("set termios: %w", err)
		}
		return nil
	})
}

func setFlowControl(t *unix.Termios, enabled bool) {
	if enabled {
		t.Iflag |= unix.IXON | unix.IXOFF
	} else {
		t.Iflag &^= unix.IXON | unix.IXOFF
	}
}

func setUTF8(t *unix.Termios, enabled bool) {
	if enabled {
		t.Iflag |= unix.IUTF8
	} else {
		t.Iflag &^= unix.IUTF8
	}
}
