package server

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/entl/termcore/internal/config"
	"github.com/entl/termcore/internal/journal"
	"github.com/entl/termcore/internal/session"
	"github.com/entl/termcore/internal/storage"
	"github.com/entl/termcore/internal/transport"
)

// stubTransport is a child process that never produces output on its own.
type stubTransport struct {
	mu       sync.Mutex
	handler  transport.Handler
	running  bool
	exitCode int
	rows     int
	cols     int
	sent     []string
}

var _ transport.Transport = (*stubTransport)(nil)

func (f *stubTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *stubTransport) Start(string, []string, []string, string) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *stubTransport) StartEmpty() error { return nil }

func (f *stubTransport) Send(data []byte, _ bool) error {
	f.mu.Lock()
	f.sent = append(f.sent, string(data))
	f.mu.Unlock()
	return nil
}

func (f *stubTransport) SetWindowSize(rows, cols int) error {
	f.mu.Lock()
	f.rows, f.cols = rows, cols
	f.mu.Unlock()
	return nil
}

func (f *stubTransport) WindowSize() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.cols
}

func (f *stubTransport) ForegroundProcessGroup() int { return 42 }
func (f *stubTransport) Pid() int                    { return 42 }

func (f *stubTransport) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *stubTransport) ExitStatus() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

func (f *stubTransport) Signal(sig syscall.Signal) error {
	if !f.IsRunning() {
		return transport.ErrNotRunning
	}
	f.exit(128 + int(sig))
	return nil
}

func (f *stubTransport) WaitForFinished(time.Duration) bool { return !f.IsRunning() }
func (f *stubTransport) SetFlowControl(bool)                {}
func (f *stubTransport) FlowControl() bool                  { return false }
func (f *stubTransport) SetUTF8(bool)                       {}
func (f *stubTransport) SetErase(byte)                      {}
func (f *stubTransport) Erase() byte                        { return 0x7f }
func (f *stubTransport) SetWriteable(bool)                  {}
func (f *stubTransport) SlaveName() string                  { return "/dev/pts/stub" }
func (f *stubTransport) Close() error                       { return nil }

func (f *stubTransport) emit(data string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnData([]byte(data))
}

func (f *stubTransport) exit(code int) {
	f.mu.Lock()
	f.running = false
	f.exitCode = code
	h := f.handler
	f.mu.Unlock()
	h.OnFinished(code, false)
}

func (f *stubTransport) sentText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type testEnv struct {
	client     *Client
	manager    *session.Manager
	journal    *journal.Service
	mu         sync.Mutex
	transports []*stubTransport
}

func (e *testEnv) transport(i int) *stubTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[i]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	db, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	env.journal = journal.NewService(db, 10)

	cfg := config.Default()
	cfg.Session.SilenceSeconds = 0
	env.manager = session.NewManager(cfg,
		session.WithRecorder(env.journal),
		session.WithTransportFactory(func() transport.Transport {
			st := &stubTransport{}
			env.mu.Lock()
			env.transports = append(env.transports, st)
			env.mu.Unlock()
			return st
		}),
	)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryInterceptor(nil, nil)),
		grpc.StreamInterceptor(StreamInterceptor(nil, nil)),
	)
	RegisterControlService(srv, NewControlServer(env.manager,
		WithEvents(env.journal),
		WithVersion("1.2.3", "abc123"),
	))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	env.client = NewClient(conn)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = env.manager.Close()
		_ = env.journal.Close()
		_ = db.Close()
	})
	return env
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return req
}

func (e *testEnv) start(t *testing.T) int {
	t.Helper()
	resp, err := e.client.Call(context.Background(), "StartSession", request(t, map[string]any{
		"program": "/bin/sh",
		"rows":    24,
		"cols":    80,
	}))
	require.NoError(t, err)
	assert.False(t, resp.GetFields()["crashed"].GetBoolValue())
	return int(resp.GetFields()["session_id"].GetNumberValue())
}

func violations(t *testing.T, err error) map[string]string {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())

	out := map[string]string{}
	for _, d := range st.Details() {
		br, ok := d.(*errdetails.BadRequest)
		if !ok {
			continue
		}
		for _, v := range br.GetFieldViolations() {
			out[v.GetField()] = v.GetDescription()
		}
	}
	return out
}

func TestValidationErrorsCarryFieldViolations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		req    map[string]any
		fields []string
	}{
		{"missing session id", "CloseSession", map[string]any{}, []string{"session_id"}},
		{"fractional session id", "CloseSession", map[string]any{"session_id": 1.5}, []string{"session_id"}},
		{"resize needs positive size", "ResizeSession", map[string]any{"session_id": 1, "rows": 0, "cols": -1}, []string{"rows", "cols"}},
		{"empty text", "SendText", map[string]any{"session_id": 1}, []string{"text"}},
		{"title without code", "SetTitle", map[string]any{"session_id": 1, "text": "x"}, []string{"code"}},
		{"args of wrong type", "StartSession", map[string]any{"args": []any{"-l", 3.0}}, []string{"args[1]"}},
		{"env of wrong type", "StartSession", map[string]any{"env": "FOO=bar"}, []string{"env"}},
		{"master flag missing", "SetMasterStatus", map[string]any{"session_id": 1}, []string{"master"}},
		{"mode flag missing", "SetMasterMode", map[string]any{}, []string{"copy_input_to_all"}},
		{"limit too large", "QueryEvents", map[string]any{"limit": 501}, []string{"limit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.Call(ctx, tt.method, request(t, tt.req))
			got := violations(t, err)
			for _, field := range tt.fields {
				assert.Contains(t, got, field)
			}
		})
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, method := range []string{"CloseSession", "SetMasterStatus"} {
		_, err := env.client.Call(context.Background(), method, request(t, map[string]any{
			"session_id": 99,
			"master":     true,
		}))
		assert.Equal(t, codes.NotFound, status.Code(err), method)
	}
}

func TestStartAndListSessions(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)

	resp, err := env.client.Call(context.Background(), "ListSessions", nil)
	require.NoError(t, err)

	list := resp.GetFields()["sessions"].GetListValue().GetValues()
	require.Len(t, list, 1)
	item := list[0].GetStructValue().GetFields()
	assert.Equal(t, float64(id), item["session_id"].GetNumberValue())
	assert.Equal(t, "/bin/sh", item["program"].GetStringValue())
	assert.True(t, item["running"].GetBoolValue())
	assert.Equal(t, 24.0, item["rows"].GetNumberValue())
	assert.Equal(t, 80.0, item["cols"].GetNumberValue())
	assert.False(t, item["master"].GetBoolValue())
}

func TestSendTextTranslatesNewlines(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)

	_, err := env.client.Call(context.Background(), "SendText", request(t, map[string]any{
		"session_id": id,
		"text":       "ls\n",
	}))
	require.NoError(t, err)
	assert.Contains(t, env.transport(0).sentText(), "ls\r")
}

func TestSendTextToFinishedProcess(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	st := env.transport(0)

	// Mark the child dead without reporting it, so the session is still registered.
	st.mu.Lock()
	st.running = false
	st.mu.Unlock()

	_, err := env.client.Call(context.Background(), "SendText", request(t, map[string]any{
		"session_id": id,
		"text":       "ls",
	}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSetTitle(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	ctx := context.Background()

	_, err := env.client.Call(ctx, "SetTitle", request(t, map[string]any{
		"session_id": id,
		"code":       30,
		"text":       "build",
	}))
	require.NoError(t, err)

	sess, err := env.manager.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "build", sess.Title(session.NameRole))

	_, err = env.client.Call(ctx, "SetTitle", request(t, map[string]any{
		"session_id": id,
		"code":       777,
		"text":       "ignored",
	}))
	assert.NoError(t, err)
}

func TestResizeSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)

	_, err := env.client.Call(context.Background(), "ResizeSession", request(t, map[string]any{
		"session_id": id,
		"rows":       40,
		"cols":       120,
	}))
	require.NoError(t, err)

	rows, cols := env.transport(0).WindowSize()
	assert.Equal(t, 40, rows)
	assert.Equal(t, 120, cols)
}

func TestMasterStatusAndMode(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t)
	env.start(t)
	ctx := context.Background()

	_, err := env.client.Call(ctx, "SetMasterStatus", request(t, map[string]any{"session_id": a, "master": true}))
	require.NoError(t, err)
	_, err = env.client.Call(ctx, "SetMasterMode", request(t, map[string]any{"copy_input_to_all": true}))
	require.NoError(t, err)

	_, err = env.client.Call(ctx, "SendText", request(t, map[string]any{"session_id": a, "text": "x"}))
	require.NoError(t, err)

	assert.Contains(t, env.transport(0).sentText(), "x")
	assert.Contains(t, env.transport(1).sentText(), "x")
}

func TestCloseSessionIsJournaled(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	ctx := context.Background()

	_, err := env.client.Call(ctx, "CloseSession", request(t, map[string]any{"session_id": id}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := env.manager.GetSession(id)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := env.client.Call(ctx, "QueryEvents", request(t, map[string]any{"session_id": id}))
		if err != nil {
			return false
		}
		for _, v := range resp.GetFields()["events"].GetListValue().GetValues() {
			ev := v.GetStructValue().GetFields()
			if ev["kind"].GetStringValue() == "finished" {
				return ev["exit_code"].GetNumberValue() == float64(128+int(syscall.SIGHUP))
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQueryEventsWithoutJournal(t *testing.T) {
	srv := NewControlServer(session.NewManager(nil))
	_, err := srv.QueryEvents(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestPingAndVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.client.Call(ctx, "Ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.GetFields()["message"].GetStringValue())

	resp, err = env.client.Call(ctx, "Ping", request(t, map[string]any{"message": "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.GetFields()["message"].GetStringValue())

	resp, err = env.client.Call(ctx, "GetVersion", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", resp.GetFields()["version"].GetStringValue())
	assert.Equal(t, "abc123", resp.GetFields()["build"].GetStringValue())
}

func TestWatchSessionStreamsUntilFinished(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	st := env.transport(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := env.client.Watch(ctx, request(t, map[string]any{"session_id": id}))
	require.NoError(t, err)

	// The stream is open before the server has subscribed, so keep producing
	// output until the first event comes through.
	got := make(chan *structpb.Struct, 16)
	go func() {
		for {
			ev, err := recv()
			if err != nil {
				close(got)
				return
			}
			got <- ev
		}
	}()

	var first *structpb.Struct
	require.Eventually(t, func() bool {
		st.emit("hello")
		select {
		case first = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, float64(id), first.GetFields()["session_id"].GetNumberValue())

	st.exit(7)

	var last *structpb.Struct
	for ev := range got {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, "finished", last.GetFields()["kind"].GetStringValue())
	assert.Equal(t, 7.0, last.GetFields()["exit_code"].GetNumberValue())
}

func TestWatchUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	recv, err := env.client.Watch(context.Background(), request(t, map[string]any{"session_id": 5}))
	require.NoError(t, err)
	_, err = recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestEventStructWithInvalidUTF8(t *testing.T) {
	tests := []struct {
		name  string
		event session.Event
		field string
		want  string
	}{
		{
			name:  "split multibyte output",
			event: session.Event{Kind: session.EventReceivedData, Data: []byte("caf\xc3")},
			field: "data",
			want:  base64.StdEncoding.EncodeToString([]byte("caf\xc3")),
		},
		{
			name:  "latin-1 title",
			event: session.Event{Kind: session.EventTitleChanged, Text: "caf\xe9"},
			field: "text",
			want:  "caf\uFFFD",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := eventStruct(tt.event)
			_, err := proto.Marshal(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.GetFields()[tt.field].GetStringValue())
		})
	}
}

func TestWatchSessionCarriesBinaryOutput(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)
	st := env.transport(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := env.client.Watch(ctx, request(t, map[string]any{"session_id": id}))
	require.NoError(t, err)

	got := make(chan *structpb.Struct, 16)
	go func() {
		defer close(got)
		for {
			ev, err := recv()
			if err != nil {
				return
			}
			got <- ev
		}
	}()

	var data *structpb.Struct
	require.Eventually(t, func() bool {
		st.emit("caf\xc3")
		select {
		case ev := <-got:
			if ev.GetFields()["kind"].GetStringValue() == "received_data" {
				data = ev
			}
			return data != nil
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	raw, err := base64.StdEncoding.DecodeString(data.GetFields()["data"].GetStringValue())
	require.NoError(t, err)
	assert.Equal(t, "caf\xc3", string(raw))

	// The stream is still alive and ends with the exit.
	st.exit(0)
	var last *structpb.Struct
	for ev := range got {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, "finished", last.GetFields()["kind"].GetStringValue())
}

func TestListSessionsWithInvalidUTF8Title(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t)

	sess, err := env.manager.GetSession(id)
	require.NoError(t, err)
	sess.SetTitle(session.NameRole, "caf\xc3")

	resp, err := env.client.Call(context.Background(), "ListSessions", nil)
	require.NoError(t, err)
	list := resp.GetFields()["sessions"].GetListValue().GetValues()
	require.Len(t, list, 1)
	assert.Equal(t, "caf\uFFFD", list[0].GetStructValue().GetFields()["name"].GetStringValue())
}
