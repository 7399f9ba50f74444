package session

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/entl/termcore/internal/emulation"
)

func TestIDsStrictlyIncrease(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		last := 0
		for range n {
			s := New(Options{Transport: newFakeTransport()})
			if s.ID() <= last {
				rt.Fatalf("id %d not greater than %d", s.ID(), last)
			}
			last = s.ID()
		}
	})
}

func TestRunStartsProgram(t *testing.T) {
	h := newHarness(t)
	h.s.SetArguments([]string{"-c", "echo $HOME"})
	h.s.SetInitialWorkingDirectory("$HOME/work")
	h.s.SetEnvironment([]string{"FOO=bar"})
	h.running(t)

	assert.Equal(t, "/bin/sh", h.ft.program)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo /home/user"}, h.ft.argv)
	assert.Equal(t, "/home/user/work", h.ft.dir)
	assert.Contains(t, h.ft.env, "FOO=bar")
	assert.Contains(t, h.ft.env, "COLORFGBG=0;15")
	assert.False(t, h.ft.writeable)
	assert.True(t, h.ft.flow)

	assert.True(t, h.s.IsRunning())
	assert.False(t, h.s.Crashed())
	assert.Equal(t, 100, h.s.ProcessID())
	assert.Equal(t, 1, h.events.count(EventStarted))
}

func TestRunIgnoresBlankArguments(t *testing.T) {
	h := newHarness(t)
	h.s.SetArguments([]string{" ", ""})
	h.running(t)

	assert.Equal(t, []string{"/bin/sh"}, h.ft.argv)
}

func TestRunDarkBackgroundHint(t *testing.T) {
	h := newHarness(t)
	h.s.SetDarkBackground(true)
	h.running(t)

	assert.Contains(t, h.ft.env, "COLORFGBG=15;0")
	assert.NotContains(t, h.ft.env, "COLORFGBG=0;15")
}

func TestRunSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.ft.startErr = errors.New("exec: no such file")
	h.env["SHELL"] = "/nonexistent/shell"
	h.s.SetProgram("/nonexistent/program")
	h.s.defaultShell = "/nonexistent/sh"

	h.s.Run()

	assert.True(t, h.s.Crashed())
	assert.False(t, h.s.IsRunning())
	assert.Equal(t, "/nonexistent/sh", h.ft.program)
	assert.Equal(t, crashedTitle, h.s.UserTitle())
	assert.Zero(t, h.events.count(EventStarted))

	titles := h.events.of(EventTitleChanged)
	require.Len(t, titles, 1)
	assert.Equal(t, "Session crashed", titles[0].Text)

	var shown strings.Builder
	for _, ev := range h.events.of(EventReceivedData) {
		shown.Write(ev.Data)
	}
	assert.Contains(t, shown.String(), `Failed to execute child process "/nonexistent/sh"`)

	// A crashed session never runs again.
	h.ft.startErr = nil
	h.s.Run()
	assert.False(t, h.ft.IsRunning())
}

func TestRunEmptyPTY(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.RunEmptyPTY())
	assert.Equal(t, 1, h.events.count(EventStarted))

	// Output the decoder produces is not written back.
	h.s.SendText("ls\n")
	assert.Empty(t, h.ft.sentBlocks())
}

func TestSendTextTranslatesNewlines(t *testing.T) {
	h := newHarness(t)
	h.running(t)

	h.s.SendText("ls\n")
	h.s.SendKeys([]byte("\x03"))

	assert.Equal(t, []sentBlock{{"ls\r", true}, {"\x03", true}}, h.ft.sentBlocks())
}

func TestDoneWithAutoCloseFinishes(t *testing.T) {
	h := newHarness(t)
	h.running(t)

	h.ft.exit(0, false)
	h.ft.exit(0, false)

	finished := h.events.of(EventFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, 0, finished[0].ExitCode)
	assert.True(t, h.ft.closed)
}

func TestDoneWithoutAutoClose(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		crashed bool
		title   string
	}{
		{name: "clean exit", code: 0},
		{name: "failure status", code: 2, title: "Session 'work' exited with status 2."},
		{name: "killed by signal", code: 139, crashed: true, title: "Session 'work' exited with status 139."},
		{name: "unknown status", code: -1, title: "Session crashed."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.s.SetTitle(NameRole, "work")
			h.s.SetAutoClose(false)
			h.running(t)
			h.events.reset()

			h.ft.exit(tt.code, tt.crashed)

			assert.Zero(t, h.events.count(EventFinished))
			titles := h.events.of(EventTitleChanged)
			if tt.title == "" {
				assert.Empty(t, titles)
				return
			}
			require.Len(t, titles, 1)
			assert.Equal(t, tt.title, titles[0].Text)
			assert.Equal(t, tt.title, h.s.UserTitle())
		})
	}
}

func TestCloseDeadSessionFinishesAsynchronously(t *testing.T) {
	h := newHarness(t)

	h.s.Close()

	assert.Eventually(t, func() bool {
		return h.events.count(EventFinished) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.ft.signals)
}

func TestCloseRunningSessionHangsUp(t *testing.T) {
	h := newHarness(t)
	h.s.SetAutoClose(false)
	h.running(t)

	h.s.Close()

	assert.Equal(t, []syscall.Signal{syscall.SIGHUP}, h.ft.signals)
	finished := h.events.of(EventFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, 128+int(syscall.SIGHUP), finished[0].ExitCode)
}

func TestCloseFallsBackWhenSignalFails(t *testing.T) {
	h := newHarness(t)
	h.running(t)
	h.ft.signalErr = errors.New("operation not permitted")

	h.s.Close()

	assert.Eventually(t, func() bool {
		return h.events.count(EventFinished) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSendSignal(t *testing.T) {
	h := newHarness(t)
	h.running(t)

	assert.True(t, h.s.SendSignal(syscall.SIGTERM))
	assert.False(t, h.s.IsRunning())
	assert.False(t, h.s.SendSignal(syscall.SIGTERM))
}

func TestFlowControlChangeIsReported(t *testing.T) {
	h := newHarness(t)

	h.s.SetFlowControlEnabled(true)
	assert.Zero(t, h.events.count(EventFlowControlChanged))

	h.s.SetFlowControlEnabled(false)
	changed := h.events.of(EventFlowControlChanged)
	require.Len(t, changed, 1)
	assert.False(t, changed[0].Flag)
	assert.False(t, h.ft.FlowControl())
}

func TestSubscribeCancel(t *testing.T) {
	h := newHarness(t)
	other := &eventLog{}
	cancel := h.s.Subscribe(other.add)

	h.s.SetProfileKey("default")
	cancel()
	h.s.SetProfileKey("other")

	assert.Equal(t, 2, h.events.count(EventProfileChanged))
	require.Equal(t, 1, other.count(EventProfileChanged))
	assert.Equal(t, "default", other.of(EventProfileChanged)[0].Text)
}

func TestSubscriberMayCallBack(t *testing.T) {
	h := newHarness(t)
	var title string
	h.s.Subscribe(func(ev Event) {
		if ev.Kind == EventTitleChanged {
			title = h.s.UserTitle()
		}
	})

	h.s.SetUserTitle(WindowTitle{Text: "build"})

	assert.Equal(t, "build", title)
}

func TestDecoderModeEvents(t *testing.T) {
	h := newHarness(t)
	h.running(t)

	h.ft.emit("\x1b[?1000h\x1b[?2004h\x1b[5 q")

	mouse := h.events.of(EventUsesMouseChanged)
	require.Len(t, mouse, 1)
	assert.True(t, mouse[0].Flag)
	paste := h.events.of(EventBracketedPasteChanged)
	require.Len(t, paste, 1)
	assert.True(t, paste[0].Flag)
	cursor := h.events.of(EventCursorChanged)
	require.Len(t, cursor, 1)
	assert.Equal(t, emulation.CursorBar, cursor[0].Cursor)
	assert.True(t, cursor[0].Flag)
}
