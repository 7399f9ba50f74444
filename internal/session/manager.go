package session

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/entl/termcore/internal/config"
	"github.com/entl/termcore/internal/emulation"
	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/metrics"
	"github.com/entl/termcore/internal/redraw"
	"github.com/entl/termcore/internal/transport"
)

// Recorder persists session lifecycle events. exitCode is nil for events
// that do not carry one.
type Recorder interface {
	Record(sessionID int, kind, detail string, exitCode *int)
}

// SessionOptions contains options for creating a new session.
type SessionOptions struct {
	Program string   // Optional: override the configured shell
	Args    []string // Optional: arguments after the program name
	Cwd     string   // Optional: starting directory
	Env     []string // Optional: additional environment variables
	Rows    int      // Terminal rows, 0 for the configured default
	Cols    int      // Terminal columns, 0 for the configured default
}

// remoteView is the view a remote client stands for. Its size is whatever
// the client last reported.
type remoteView struct {
	mu         sync.Mutex
	rows, cols int
}

func (v *remoteView) set(rows, cols int) {
	v.mu.Lock()
	v.rows, v.cols = rows, cols
	v.mu.Unlock()
}

func (v *remoteView) Lines() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rows
}

func (v *remoteView) Columns() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cols
}

func (v *remoteView) IsHidden() bool { return false }

type managed struct {
	session *Session
	view    *remoteView
	cancel  func()
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the collectors sessions report to.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithRecorder sets where lifecycle events are journalled.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithTransportFactory replaces the PTY transport. Used by tests.
func WithTransportFactory(fn func() transport.Transport) ManagerOption {
	return func(m *Manager) { m.newTransport = fn }
}

// WithDecoderFactory replaces the VT decoder. Used by tests.
func WithDecoderFactory(fn func() emulation.Decoder) ManagerOption {
	return func(m *Manager) { m.newDecoder = fn }
}

// Manager manages multiple sessions and the group they share.
type Manager struct {
	cfg          config.SessionConfig
	logger       *zap.Logger
	metrics      *metrics.Metrics
	recorder     Recorder
	engine       *redraw.Engine
	group        *Group
	newTransport func() transport.Transport
	newDecoder   func() emulation.Decoder

	sessions map[int]*managed
	closed   bool
	mu       sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager(cfg *config.Config, opts ...ManagerOption) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Manager{
		cfg:      cfg.Session,
		sessions: make(map[int]*managed),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	m.group = NewGroup(m.logger)

	registry := redraw.DefaultRegistry()
	if !cfg.Redraw.Enabled {
		registry = redraw.NewRegistry()
	}
	m.engine = redraw.NewEngine(
		redraw.WithRegistry(registry),
		redraw.WithShells(cfg.Redraw.Shells...),
		redraw.WithTimeout(cfg.Redraw.Timeout),
		redraw.WithMetrics(m.metrics),
		redraw.WithLogger(m.logger),
	)
	return m
}

// StartSession creates, registers and runs a new session. A program that
// cannot be started still yields a session; it shows the failure and
// reports Crashed.
func (m *Manager) StartSession(opts SessionOptions) (*Session, error) {
	if opts.Rows < 0 || opts.Cols < 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, opts.Rows, opts.Cols)
	}
	if opts.Rows == 0 {
		opts.Rows = m.cfg.Rows
	}
	if opts.Cols == 0 {
		opts.Cols = m.cfg.Cols
	}
	if opts.Cwd == "" {
		opts.Cwd = homeDir()
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	shell := m.cfg.DefaultShell
	if shell == "" {
		shell = defaultShell()
	}
	sopts := Options{
		Engine:       m.engine,
		Metrics:      m.metrics,
		Logger:       m.logger,
		DefaultShell: shell,
		SignalWait:   m.cfg.SignalWait,
	}
	if m.newTransport != nil {
		sopts.Transport = m.newTransport()
	}
	if m.newDecoder != nil {
		sopts.Decoder = m.newDecoder()
	}

	s := New(sopts)
	s.SetProgram(opts.Program)
	s.SetArguments(opts.Args)
	s.SetInitialWorkingDirectory(opts.Cwd)
	s.SetEnvironment(append(termEnv(m.cfg.Term), opts.Env...))
	s.SetFlowControlEnabled(m.cfg.FlowControl)
	s.SetDarkBackground(m.cfg.DarkBackground)
	if m.cfg.SilenceSeconds > 0 {
		s.SetMonitorSilenceSeconds(m.cfg.SilenceSeconds)
	}

	view := &remoteView{rows: opts.Rows, cols: opts.Cols}
	entry := &managed{session: s, view: view}
	entry.cancel = s.Subscribe(func(ev Event) { m.handleEvent(entry, ev) })
	s.AddView(view)
	s.OnViewSizeChange(opts.Rows, opts.Cols)

	m.mu.Lock()
	m.sessions[s.ID()] = entry
	m.mu.Unlock()
	m.group.AddSession(s)

	s.Run()
	if s.Crashed() {
		m.record(s.ID(), "crashed", s.Program(), nil)
	}
	return s, nil
}

// handleEvent runs outside the session lock.
func (m *Manager) handleEvent(entry *managed, ev Event) {
	s := entry.session
	switch ev.Kind {
	case EventStarted:
		m.record(ev.SessionID, "started", s.Program(), nil)
	case EventTitleChanged:
		m.record(ev.SessionID, "title", ev.Text, nil)
	case EventResizeRequest:
		entry.view.set(ev.Rows, ev.Cols)
		s.OnViewSizeChange(ev.Rows, ev.Cols)
	case EventFinished:
		code := ev.ExitCode
		m.record(ev.SessionID, "finished", "", &code)
		if ev.Crashed {
			m.record(ev.SessionID, "crashed", "", &code)
		}
		m.remove(ev.SessionID)
	}
}

func (m *Manager) record(id int, kind, detail string, exitCode *int) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(id, kind, detail, exitCode)
}

func (m *Manager) remove(id int) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.group.RemoveSession(entry.session)
	m.logger.Debug("session removed", zap.Int("session", id))
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(id int) (*Session, error) {
	entry, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return entry.session, nil
}

func (m *Manager) get(id int) (*managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return entry, nil
}

// CloseSession closes a session. It leaves the registry once Finished is
// delivered.
func (m *Manager) CloseSession(id int) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// ResizeSession records the remote client's new size and lets the session
// recompute its terminal size.
func (m *Manager) ResizeSession(id int, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, rows, cols)
	}
	entry, err := m.get(id)
	if err != nil {
		return err
	}
	entry.view.set(rows, cols)
	entry.session.OnViewSizeChange(rows, cols)
	return nil
}

// WriteInput sends bytes typed by the remote client.
func (m *Manager) WriteInput(id int, data []byte) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if !s.IsRunning() {
		return fmt.Errorf("session %d: %w", id, transport.ErrNotRunning)
	}
	s.SendKeys(data)
	return nil
}

// ListSessions returns all registered sessions ordered by id.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		sessions = append(sessions, entry.session)
	}
	slices.SortFunc(sessions, func(a, b *Session) int { return cmp.Compare(a.ID(), b.ID()) })
	return sessions
}

// Group returns the group every managed session joins.
func (m *Manager) Group() *Group {
	return m.group
}

// Close closes all sessions and tears down the group.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*managed, 0, len(m.sessions))
	for _, entry := range m.sessions {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.session.Close()
	}
	m.group.Close()
	return nil
}
