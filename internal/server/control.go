package server

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/session"
	"github.com/entl/termcore/internal/storage"
	"github.com/entl/termcore/internal/transport"
)

const watchBuffer = 256

// EventQuerier reads the session journal.
type EventQuerier interface {
	Query(ctx context.Context, opts storage.QueryOptions) ([]*storage.Event, error)
}

// ControlServer implements ControlService on top of a session manager.
type ControlServer struct {
	manager *session.Manager
	events  EventQuerier
	logger  *zap.Logger
	version string
	build   string
}

var _ ControlService = (*ControlServer)(nil)

// Option configures a ControlServer.
type Option func(*ControlServer)

// WithEvents enables QueryEvents.
func WithEvents(q EventQuerier) Option {
	return func(s *ControlServer) { s.events = q }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *ControlServer) { s.logger = l }
}

// WithVersion sets what GetVersion reports.
// version and build are typically injected at link time via -ldflags.
func WithVersion(version, build string) Option {
	return func(s *ControlServer) { s.version, s.build = version, build }
}

// NewControlServer creates a ControlServer.
func NewControlServer(manager *session.Manager, opts ...Option) *ControlServer {
	s := &ControlServer{
		manager: manager,
		version: "dev",
		build:   "unknown",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("control")
	return s
}

// StartSession creates and runs a session and returns its id.
func (s *ControlServer) StartSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := validateStartSession(req)
	if err != nil {
		return nil, err
	}

	sess, err := s.manager.StartSession(session.SessionOptions{
		Program: r.program,
		Args:    r.args,
		Cwd:     r.cwd,
		Env:     r.env,
		Rows:    r.rows,
		Cols:    r.cols,
	})
	if err != nil {
		s.logger.Warn("failed to start session", zap.Error(err))
		return nil, toStatus(err)
	}

	s.logger.Info("started session", zap.Int("session", sess.ID()))
	return newStruct(map[string]*structpb.Value{
		"session_id": number(sess.ID()),
		"crashed":    structpb.NewBoolValue(sess.Crashed()),
	}), nil
}

// CloseSession asks a session to hang up.
func (s *ControlServer) CloseSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := validateSessionID(req)
	if err != nil {
		return nil, err
	}
	if err := s.manager.CloseSession(id); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("closed session", zap.Int("session", id))
	return ack(), nil
}

// SendText types text into a session. Newlines are sent as Return.
func (s *ControlServer) SendText(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, text, err := validateSendText(req)
	if err != nil {
		return nil, err
	}
	sess, err := s.manager.GetSession(id)
	if err != nil {
		return nil, toStatus(err)
	}
	if !sess.IsRunning() {
		return nil, toStatus(transport.ErrNotRunning)
	}
	sess.SendText(text)
	return ack(), nil
}

// ResizeSession reports the client's new size.
func (s *ControlServer) ResizeSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, rows, cols, err := validateResize(req)
	if err != nil {
		return nil, err
	}
	if err := s.manager.ResizeSession(id, rows, cols); err != nil {
		return nil, toStatus(err)
	}
	return ack(), nil
}

// SetTitle applies an OSC title request. Unknown codes are accepted.
func (s *ControlServer) SetTitle(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, code, text, err := validateSetTitle(req)
	if err != nil {
		return nil, err
	}
	sess, err := s.manager.GetSession(id)
	if err != nil {
		return nil, toStatus(err)
	}
	sess.SetUserTitle(session.ParseTitleRequest(code, text))
	return ack(), nil
}

// ListSessions describes every registered session.
func (s *ControlServer) ListSessions(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	group := s.manager.Group()
	sessions := s.manager.ListSessions()

	items := make([]*structpb.Value, 0, len(sessions))
	for _, sess := range sessions {
		rows, cols := sess.Size()
		items = append(items, structpb.NewStructValue(newStruct(map[string]*structpb.Value{
			"session_id": number(sess.ID()),
			"program":    safeString(sess.Program()),
			"name":       safeString(sess.Title(session.NameRole)),
			"title":      safeString(sess.UserTitle()),
			"running":    structpb.NewBoolValue(sess.IsRunning()),
			"crashed":    structpb.NewBoolValue(sess.Crashed()),
			"pid":        number(sess.ProcessID()),
			"rows":       number(rows),
			"cols":       number(cols),
			"master":     structpb.NewBoolValue(group.MasterStatus(sess)),
		})))
	}
	return newStruct(map[string]*structpb.Value{
		"sessions": structpb.NewListValue(&structpb.ListValue{Values: items}),
	}), nil
}

// SetMasterStatus promotes or demotes a session in the group.
func (s *ControlServer) SetMasterStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, master, err := validateSetMasterStatus(req)
	if err != nil {
		return nil, err
	}
	sess, err := s.manager.GetSession(id)
	if err != nil {
		return nil, toStatus(err)
	}
	s.manager.Group().SetMasterStatus(sess, master)
	return ack(), nil
}

// SetMasterMode sets the group mode.
func (s *ControlServer) SetMasterMode(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	copyInput, err := validateSetMasterMode(req)
	if err != nil {
		return nil, err
	}
	var mode session.MasterMode
	if copyInput {
		mode |= session.CopyInputToAll
	}
	s.manager.Group().SetMasterMode(mode)
	return ack(), nil
}

// QueryEvents reads the journal.
func (s *ControlServer) QueryEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := validateQueryEvents(req)
	if err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, status.Error(codes.FailedPrecondition, "journal is disabled")
	}

	events, err := s.events.Query(ctx, storage.QueryOptions{
		SessionID: r.sessionID,
		Pattern:   r.pattern,
		Limit:     r.limit,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query events: %v", err)
	}

	items := make([]*structpb.Value, 0, len(events))
	for _, ev := range events {
		fields := map[string]*structpb.Value{
			"run_id":     structpb.NewStringValue(ev.RunID),
			"timestamp":  number(int(ev.Timestamp.Unix())),
			"session_id": number(ev.SessionID),
			"kind":       structpb.NewStringValue(ev.Kind),
			"detail":     safeString(ev.Detail),
		}
		if ev.ExitCode != nil {
			fields["exit_code"] = number(*ev.ExitCode)
		}
		items = append(items, structpb.NewStructValue(newStruct(fields)))
	}
	return newStruct(map[string]*structpb.Value{
		"events": structpb.NewListValue(&structpb.ListValue{Values: items}),
	}), nil
}

// WatchSession streams a session's events until it finishes or the client
// goes away. Received data is base64 encoded.
func (s *ControlServer) WatchSession(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := validateSessionID(req)
	if err != nil {
		return err
	}
	sess, err := s.manager.GetSession(id)
	if err != nil {
		return toStatus(err)
	}

	ctx := stream.Context()
	events := make(chan session.Event, watchBuffer)
	finished := make(chan session.Event, 1)
	cancel := sess.Subscribe(func(ev session.Event) {
		// Delivery runs on the session's goroutines and must not block.
		if ev.Kind == session.EventFinished {
			select {
			case finished <- ev:
			default:
			}
			return
		}
		select {
		case events <- ev:
		default:
			s.logger.Debug("watch buffer full, dropping event",
				zap.Int("session", id),
				zap.Stringer("kind", ev.Kind))
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if err := stream.SendMsg(eventStruct(ev)); err != nil {
				return err
			}
		case ev := <-finished:
			for len(events) > 0 {
				if err := stream.SendMsg(eventStruct(<-events)); err != nil {
					return err
				}
			}
			return stream.SendMsg(eventStruct(ev))
		}
	}
}

func eventStruct(ev session.Event) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(ev.Kind.String()),
		"session_id": number(ev.SessionID),
	}
	switch ev.Kind {
	case session.EventReceivedData:
		fields["data"] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(ev.Data))
	case session.EventResizeRequest:
		fields["rows"] = number(ev.Rows)
		fields["cols"] = number(ev.Cols)
	case session.EventFinished:
		fields["exit_code"] = number(ev.ExitCode)
		fields["crashed"] = structpb.NewBoolValue(ev.Crashed)
	case session.EventStateChanged:
		fields["state"] = structpb.NewStringValue(ev.State.String())
	case session.EventFlowControlChanged, session.EventUsesMouseChanged, session.EventBracketedPasteChanged:
		fields["enabled"] = structpb.NewBoolValue(ev.Flag)
	default:
		if ev.Text != "" {
			fields["text"] = safeString(ev.Text)
		}
	}
	return newStruct(fields)
}

// toStatus maps manager errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrInvalidSize):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrManagerClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, transport.ErrNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

func newStruct(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

// safeString carries program-controlled strings, which need not be valid UTF-8.
func safeString(s string) *structpb.Value {
	return structpb.NewStringValue(strings.ToValidUTF8(s, "\uFFFD"))
}

func number(n int) *structpb.Value {
	return structpb.NewNumberValue(float64(n))
}

func ack() *structpb.Struct {
	return newStruct(map[string]*structpb.Value{"ok": structpb.NewBoolValue(true)})
}
