// Package transport runs a child process on a pseudo-terminal and exposes
// the narrow contract a session needs: start, send, resize, foreground group
// and termination.
package transport

import (
	"errors"
	"syscall"
	"time"
)

var (
	// ErrNotRunning is returned when an operation needs a live child process.
	ErrNotRunning = errors.New("transport: process not running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrAlreadyStarted is returned when Start or StartEmpty is called twice.
	ErrAlreadyStarted = errors.New("transport: already started")
)

// Handler receives transport notifications. OnData is called from a single
// reader goroutine in arrival order; the slice is owned by the callee.
type Handler struct {
	OnData     func(data []byte)
	OnFinished func(exitCode int, crashed bool)
}

// Transport is the process side of a session.
type Transport interface {
	SetHandler(h Handler)

	Start(program string, argv []string, env []string, dir string) error
	StartEmpty() error

	// Send writes bytes to the child. Empty data is a flush and always succeeds
	// while the transport is open.
	Send(data []byte, userInput bool) error

	SetWindowSize(rows, cols int) error
	WindowSize() (rows, cols int)

	ForegroundProcessGroup() int
	Pid() int
	IsRunning() bool
	ExitStatus() int

	Signal(sig syscall.Signal) error
	WaitForFinished(timeout time.Duration) bool

	SetFlowControl(enabled bool)
	FlowControl() bool
	SetUTF8(enabled bool)
	SetErase(b byte)
	Erase() byte
	SetWriteable(writeable bool)
	SlaveName() string

	Close() error
}
