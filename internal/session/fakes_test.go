package session

import (
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/entl/termcore/internal/emulation"
	"github.com/entl/termcore/internal/redraw"
	"github.com/entl/termcore/internal/transport"
)

type sentBlock struct {
	data string
	user bool
}

// fakeTransport records everything a session asks of its process side.
type fakeTransport struct {
	mu sync.Mutex

	handler   transport.Handler
	startErr  error
	signalErr error

	program string
	argv    []string
	env     []string
	dir     string

	started   bool
	running   bool
	closed    bool
	pid       int
	fg        int
	exitCode  int
	rows      int
	cols      int
	sizes     [][2]int
	sent      []sentBlock
	signals   []syscall.Signal
	flow      bool
	utf8      bool
	erase     byte
	writeable bool
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pid: 100, fg: 100, erase: 0x7f, writeable: true}
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Start(program string, argv []string, env []string, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.program, f.argv, f.env, f.dir = program, argv, env, dir
	if f.startErr != nil {
		return f.startErr
	}
	f.started, f.running = true, true
	return nil
}

func (f *fakeTransport) StartEmpty() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Send(data []byte, userInput bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, sentBlock{data: string(data), user: userInput})
	return nil
}

func (f *fakeTransport) SetWindowSize(rows, cols int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.cols = rows, cols
	f.sizes = append(f.sizes, [2]int{rows, cols})
	return nil
}

func (f *fakeTransport) WindowSize() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.cols
}

func (f *fakeTransport) ForegroundProcessGroup() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fg
}

func (f *fakeTransport) Pid() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return 0
	}
	return f.pid
}

func (f *fakeTransport) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) ExitStatus() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

// Signal delivers sig and, unless signalErr is set, makes the child exit.
func (f *fakeTransport) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	if f.signalErr != nil || !f.running {
		err := f.signalErr
		f.mu.Unlock()
		if err == nil {
			err = transport.ErrNotRunning
		}
		return err
	}
	f.mu.Unlock()
	f.exit(128+int(sig), false)
	return nil
}

func (f *fakeTransport) WaitForFinished(time.Duration) bool {
	return !f.IsRunning()
}

func (f *fakeTransport) SetFlowControl(enabled bool) {
	f.mu.Lock()
	f.flow = enabled
	f.mu.Unlock()
}

func (f *fakeTransport) FlowControl() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flow
}

func (f *fakeTransport) SetUTF8(enabled bool) {
	f.mu.Lock()
	f.utf8 = enabled
	f.mu.Unlock()
}

func (f *fakeTransport) SetErase(b byte) {
	f.mu.Lock()
	f.erase = b
	f.mu.Unlock()
}

func (f *fakeTransport) Erase() byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erase
}

func (f *fakeTransport) SetWriteable(writeable bool) {
	f.mu.Lock()
	f.writeable = writeable
	f.mu.Unlock()
}

func (f *fakeTransport) SlaveName() string { return "/dev/pts/fake" }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// emit delivers child output as the reader goroutine would.
func (f *fakeTransport) emit(data string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnData([]byte(data))
}

// exit reports the child's exit as the monitor goroutine would.
func (f *fakeTransport) exit(code int, crashed bool) {
	f.mu.Lock()
	f.running = false
	f.exitCode = code
	h := f.handler
	f.mu.Unlock()
	h.OnFinished(code, crashed)
}

func (f *fakeTransport) sentBlocks() []sentBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentBlock(nil), f.sent...)
}

func (f *fakeTransport) sentData() []string {
	var out []string
	for _, b := range f.sentBlocks() {
		out = append(out, b.data)
	}
	return out
}

func (f *fakeTransport) size() (int, int) {
	return f.WindowSize()
}

// fakeInfo is a ProcessInfo with fixed answers.
type fakeInfo struct {
	pid  int
	name string
	dir  string
}

func (i *fakeInfo) Update()                   {}
func (i *fakeInfo) IsValid() bool             { return i.pid > 0 }
func (i *fakeInfo) Pid() (int, bool)          { return i.pid, i.pid > 0 }
func (i *fakeInfo) Name() (string, bool)      { return i.name, i.name != "" }
func (i *fakeInfo) ValidCurrentDir() string   { return i.dir }
func (i *fakeInfo) SetUserNameRequired(bool)  {}
func (i *fakeInfo) SetUserHomeDir()           {}
func (i *fakeInfo) Format(tmpl string) string { return strings.ReplaceAll(tmpl, "%n", i.name) }

// fakeView is a View with a fixed size.
type fakeView struct {
	lines, columns int
	hidden         bool
}

func (v *fakeView) Lines() int     { return v.lines }
func (v *fakeView) Columns() int   { return v.columns }
func (v *fakeView) IsHidden() bool { return v.hidden }

// eventLog collects the events a session publishes.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) of(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	return len(l.of(kind))
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

type harness struct {
	s      *Session
	ft     *fakeTransport
	info   *fakeInfo
	events *eventLog
	env    map[string]string
}

// newHarness builds a session over a fake transport, a real VT decoder
// and a process that reports itself as bash.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithEngine(t, redraw.NewEngine(redraw.WithTimeout(0)))
}

func newHarnessWithEngine(t *testing.T, engine *redraw.Engine) *harness {
	t.Helper()
	h := &harness{
		ft:     newFakeTransport(),
		info:   &fakeInfo{pid: 100, name: "bash", dir: "/home/user"},
		events: &eventLog{},
		env:    map[string]string{"HOME": "/home/user", "SHELL": "/bin/sh"},
	}
	h.s = New(Options{
		Transport:    h.ft,
		Decoder:      emulation.NewVT(),
		Engine:       engine,
		ProcessInfo:  func(int) ProcessInfo { return h.info },
		Getenv:       func(k string) string { return h.env[k] },
		DefaultShell: "/bin/sh",
		SignalWait:   10 * time.Millisecond,
	})
	cancel := h.s.Subscribe(h.events.add)
	t.Cleanup(cancel)
	return h
}

// running starts the session at 24x80 behind one view.
func (h *harness) running(t *testing.T) *fakeView {
	t.Helper()
	v := &fakeView{lines: 24, columns: 80}
	h.s.AddView(v)
	h.s.OnViewSizeChange(24, 80)
	h.s.SetProgram("/bin/sh")
	h.s.Run()
	if !h.ft.IsRunning() {
		t.Fatal("fake transport did not start")
	}
	return v
}
