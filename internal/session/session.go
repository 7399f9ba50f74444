// Package session runs interactive terminal sessions: a child process on a
// pseudo-terminal, the decoder its output feeds, and the redraw correction
// that sits between them. Sessions can be grouped so that input typed into
// a master is copied to the others.
package session

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/entl/termcore/internal/emulation"
	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/metrics"
	"github.com/entl/termcore/internal/procinfo"
	"github.com/entl/termcore/internal/redraw"
	"github.com/entl/termcore/internal/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSize     = errors.New("invalid terminal size")
	ErrManagerClosed   = errors.New("session manager closed")
)

const (
	defaultSilenceSeconds = 10
	defaultSignalWait     = 3 * time.Second

	crashedTitle = "Session crashed"
	spawnFailure = "There was an error creating the child process for this terminal. " +
		"Failed to execute child process \"%s\" (No such file or directory)!"
)

// lastID is shared by every session in the process so ids are never reused.
var lastID atomic.Int64

// ProcessInfo is the introspection a session needs about a process.
// *procinfo.Process implements it.
type ProcessInfo interface {
	Update()
	IsValid() bool
	Pid() (int, bool)
	Name() (string, bool)
	ValidCurrentDir() string
	SetUserNameRequired(required bool)
	SetUserHomeDir()
	Format(template string) string
}

// Options are the collaborators of a Session. Zero values select the
// defaults: a PTY transport, a VT decoder and a redraw engine with the
// built-in shell profiles.
type Options struct {
	Transport transport.Transport
	Decoder   emulation.Decoder
	Engine    *redraw.Engine
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// ProcessInfo builds the introspection object for a pid.
	ProcessInfo func(pid int) ProcessInfo
	// Getenv looks up $SHELL and the variables in configured paths.
	Getenv func(key string) string
	// DefaultShell is the last resort when neither the program nor $SHELL
	// exist. Defaults to /bin/sh.
	DefaultShell string
	// SignalWait bounds how long SendSignal waits for the child to exit.
	SignalWait time.Duration
}

// Session is one interactive terminal: a transport, a decoder and the
// state tying them together. All methods are safe for concurrent use.
type Session struct {
	id        int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	engine    *redraw.Engine
	transport transport.Transport
	decoder   emulation.Decoder
	newInfo   func(pid int) ProcessInfo
	getenv    func(string) string

	defaultShell string
	signalWait   time.Duration

	mu sync.Mutex

	program        string
	args           []string
	initialDir     string
	env            []string
	flowControl    bool
	darkBackground bool
	autoClose      bool
	wantedClose    bool
	profileKey     string

	started  bool
	crashed  bool
	emptyPTY bool
	finished bool
	exitCode int

	titles

	monitorActivity  bool
	monitorSilence   bool
	notifiedActivity bool
	silenceSeconds   int
	silenceTimer     *time.Timer

	views []View

	redraw   *redraw.Context
	watchdog *time.Timer

	sessionInfo    ProcessInfo
	foregroundInfo ProcessInfo
	foregroundPid  int
	currentDir     string

	// followers receive copies of user input while this session is a
	// group master.
	followers []*Session

	subs    []subscriber
	nextSub int
	queued  []Event
	after   []func()
}

// New creates a session. Nothing is started until Run or RunEmptyPTY.
func New(opts Options) *Session {
	id := int(lastID.Add(1))
	logger := logging.OrNop(opts.Logger).Named("session").With(zap.Int("session", id))

	s := &Session{
		id:             id,
		logger:         logger,
		metrics:        opts.Metrics,
		engine:         opts.Engine,
		transport:      opts.Transport,
		decoder:        opts.Decoder,
		newInfo:        opts.ProcessInfo,
		getenv:         opts.Getenv,
		defaultShell:   opts.DefaultShell,
		signalWait:     opts.SignalWait,
		flowControl:    true,
		autoClose:      true,
		silenceSeconds: defaultSilenceSeconds,
		foregroundPid:  -1,
		redraw:         redraw.NewContext(logger),
	}
	if s.transport == nil {
		s.transport = transport.NewPTY(logger)
	}
	if s.decoder == nil {
		s.decoder = emulation.NewVT()
	}
	if s.engine == nil {
		s.engine = redraw.NewEngine(redraw.WithMetrics(opts.Metrics), redraw.WithLogger(opts.Logger))
	}
	if s.newInfo == nil {
		s.newInfo = func(pid int) ProcessInfo { return procinfo.New(pid) }
	}
	if s.getenv == nil {
		s.getenv = os.Getenv
	}
	if s.defaultShell == "" {
		s.defaultShell = "/bin/sh"
	}
	if s.signalWait <= 0 {
		s.signalWait = defaultSignalWait
	}

	s.decoder.SetListener(decoderListener{s})
	s.transport.SetUTF8(s.decoder.UTF8())
	s.transport.SetHandler(transport.Handler{
		OnData:     s.onData,
		OnFinished: s.done,
	})
	return s
}

// ID returns the process-wide unique session id.
func (s *Session) ID() int {
	return s.id
}

// SetProgram sets the program to run. Environment variables are expanded.
func (s *Session) SetProgram(program string) {
	s.mu.Lock()
	s.program = expand(program, s.getenv)
	s.mu.Unlock()
}

// Program returns the configured program.
func (s *Session) Program() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// SetArguments sets the arguments passed after the program name.
func (s *Session) SetArguments(args []string) {
	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = expand(a, s.getenv)
	}
	s.mu.Lock()
	s.args = expanded
	s.mu.Unlock()
}

// Arguments returns the configured arguments.
func (s *Session) Arguments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.args)
}

// SetInitialWorkingDirectory sets the directory the program starts in.
func (s *Session) SetInitialWorkingDirectory(dir string) {
	s.mu.Lock()
	s.initialDir = expand(dir, s.getenv)
	s.mu.Unlock()
}

// InitialWorkingDirectory returns the configured start directory.
func (s *Session) InitialWorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialDir
}

// SetEnvironment sets the KEY=VALUE pairs added to the child environment.
func (s *Session) SetEnvironment(env []string) {
	s.mu.Lock()
	s.env = slices.Clone(env)
	s.mu.Unlock()
}

// Environment returns the configured environment additions.
func (s *Session) Environment() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.env)
}

// SetFlowControlEnabled toggles XON/XOFF flow control.
func (s *Session) SetFlowControlEnabled(enabled bool) {
	s.mu.Lock()
	defer s.unlock()
	if s.flowControl == enabled {
		return
	}
	s.flowControl = enabled
	s.transport.SetFlowControl(enabled)
	s.emitLocked(Event{Kind: EventFlowControlChanged, Flag: enabled})
}

// FlowControlEnabled reports whether flow control is on.
func (s *Session) FlowControlEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowControl
}

// SetAutoClose controls whether the session finishes when its program exits.
func (s *Session) SetAutoClose(autoClose bool) {
	s.mu.Lock()
	s.autoClose = autoClose
	s.mu.Unlock()
}

// AutoClose reports the auto-close setting.
func (s *Session) AutoClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoClose
}

// SetDarkBackground sets the COLORFGBG hint passed to the program.
func (s *Session) SetDarkBackground(dark bool) {
	s.mu.Lock()
	s.darkBackground = dark
	s.mu.Unlock()
}

// HasDarkBackground reports the background hint.
func (s *Session) HasDarkBackground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.darkBackground
}

// SetProfileKey records the profile the session was created from.
func (s *Session) SetProfileKey(key string) {
	s.mu.Lock()
	defer s.unlock()
	s.profileKey = key
	s.emitLocked(Event{Kind: EventProfileChanged, Text: key})
}

// ProfileKey returns the profile key.
func (s *Session) ProfileKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileKey
}

// SetKeyBindings selects the decoder's key binding table.
func (s *Session) SetKeyBindings(id string) {
	s.mu.Lock()
	s.decoder.SetKeyBindings(id)
	s.mu.Unlock()
}

// KeyBindings returns the decoder's key binding table.
func (s *Session) KeyBindings() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.KeyBindings()
}

// ClearHistory drops the decoder's scrollback.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.decoder.ClearHistory()
	s.mu.Unlock()
}

// Run starts the configured program. A program that cannot be started
// leaves the session crashed: the failure is written into the terminal
// stream and the user title becomes "Session crashed".
func (s *Session) Run() {
	s.mu.Lock()
	defer s.unlock()

	if s.started || s.crashed {
		return
	}

	program := resolveProgram(s.program, s.getenv, s.defaultShell)
	argv := []string{program}
	if hasArguments(s.args) {
		argv = append(argv, s.args...)
	}

	dir := s.initialDir
	if dir == "" {
		dir, _ = os.Getwd()
	}

	s.transport.SetFlowControl(s.flowControl)
	s.transport.SetErase(s.decoder.EraseChar())

	env := childEnvironment(os.Environ(), s.env, s.darkBackground)
	if err := s.transport.Start(program, argv, env, dir); err != nil {
		s.logger.Warn("failed to start program",
			zap.String("program", program),
			zap.Strings("argv", argv),
			zap.Error(err))
		s.crashed = true
		s.metrics.SessionCrashedOnStart()

		msg := []byte(fmt.Sprintf(spawnFailure, program) + "\r\n")
		s.decoder.ReceiveData(msg)
		s.emitLocked(Event{Kind: EventReceivedData, Data: msg})

		s.userTitle = crashedTitle
		s.emitLocked(Event{Kind: EventTitleChanged, Text: crashedTitle})
		return
	}

	s.transport.SetWriteable(false)
	s.started = true
	s.engine.ShellStarted(s.redraw)
	s.metrics.SessionStarted()
	s.logger.Info("session started",
		zap.String("program", program),
		zap.Int("pid", s.transport.Pid()))
	s.emitLocked(Event{Kind: EventStarted})
}

// RunEmptyPTY opens a terminal without a program. Output the decoder
// produces is not written back to it.
func (s *Session) RunEmptyPTY() error {
	s.mu.Lock()
	defer s.unlock()

	if s.started {
		return transport.ErrAlreadyStarted
	}
	s.transport.SetFlowControl(s.flowControl)
	s.transport.SetErase(s.decoder.EraseChar())
	if err := s.transport.StartEmpty(); err != nil {
		return fmt.Errorf("start empty pty: %w", err)
	}
	s.transport.SetWriteable(false)
	s.emptyPTY = true
	s.started = true
	s.emitLocked(Event{Kind: EventStarted})
	return nil
}

// IsRunning reports whether the child process is alive.
func (s *Session) IsRunning() bool {
	return s.transport.IsRunning()
}

// Crashed reports whether Run failed to start the program.
func (s *Session) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// ProcessID returns the pid of the session's own child.
func (s *Session) ProcessID() int {
	return s.transport.Pid()
}

// ExitStatus returns the child's exit status once it finished.
func (s *Session) ExitStatus() int {
	return s.transport.ExitStatus()
}

// SlaveName returns the terminal device path.
func (s *Session) SlaveName() string {
	return s.transport.SlaveName()
}

// EraseChar returns the terminal's erase character.
func (s *Session) EraseChar() byte {
	return s.transport.Erase()
}

// Close asks the child to hang up. It never blocks on a dead process: if
// the child is gone or cannot be signalled, Finished is emitted
// asynchronously instead.
func (s *Session) Close() {
	s.mu.Lock()
	s.autoClose = true
	s.wantedClose = true
	s.stopWatchdogLocked()
	s.engine.Discard(s.redraw, "close")
	s.unlock()

	if !s.transport.IsRunning() || !s.SendSignal(syscall.SIGHUP) {
		time.AfterFunc(time.Millisecond, s.forceFinish)
	}
}

// SendSignal delivers sig to the child and, once delivered, waits for it
// to exit.
func (s *Session) SendSignal(sig syscall.Signal) bool {
	if err := s.transport.Signal(sig); err != nil {
		s.logger.Debug("signal not delivered",
			zap.Stringer("signal", sig),
			zap.Error(err))
		return false
	}
	s.transport.WaitForFinished(s.signalWait)
	return true
}

// Refresh nudges the program into redrawing by bumping the width by one
// column and back.
func (s *Session) Refresh() {
	rows, cols := s.transport.WindowSize()
	if rows <= 0 || cols <= 0 {
		return
	}
	_ = s.transport.SetWindowSize(rows, cols+1)
	_ = s.transport.SetWindowSize(rows, cols)
}

// SendText sends text typed by the user. Newlines are sent as carriage
// returns.
func (s *Session) SendText(text string) {
	s.mu.Lock()
	defer s.unlock()
	s.decoder.SendText(text)
}

// SendKeys sends raw bytes typed into a view.
func (s *Session) SendKeys(data []byte) {
	s.mu.Lock()
	defer s.unlock()
	s.decoder.SendString(data, false)
}

// done handles the child's exit.
func (s *Session) done(exitCode int, crashed bool) {
	s.mu.Lock()
	defer s.unlock()

	s.exitCode = exitCode
	s.stopWatchdogLocked()
	s.stopSilenceTimerLocked()
	s.engine.Discard(s.redraw, "exit")
	if s.started && !s.emptyPTY {
		s.metrics.SessionFinished(crashed)
	}
	s.logger.Info("session exited",
		zap.Int("exit_code", exitCode),
		zap.Bool("crashed", crashed))

	if s.autoClose || s.wantedClose {
		s.finishLocked(exitCode, crashed)
		return
	}
	if exitCode == 0 {
		return
	}

	msg := fmt.Sprintf("Session '%s' exited with status %d.", s.nameTitle, exitCode)
	if exitCode == -1 {
		msg = "Session crashed."
	}
	s.userTitle = msg
	s.emitLocked(Event{Kind: EventTitleChanged, Text: msg})
}

func (s *Session) forceFinish() {
	s.mu.Lock()
	defer s.unlock()
	s.finishLocked(s.transport.ExitStatus(), s.crashed)
}

// finishLocked emits Finished once per session.
func (s *Session) finishLocked(exitCode int, crashed bool) {
	if s.finished {
		return
	}
	s.finished = true
	s.afterLocked(func() {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close failed", zap.Error(err))
		}
	})
	s.emitLocked(Event{Kind: EventFinished, ExitCode: exitCode, Crashed: crashed})
}
