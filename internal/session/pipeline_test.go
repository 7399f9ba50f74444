package session

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entl/termcore/internal/emulation"
	"github.com/entl/termcore/internal/metrics"
	"github.com/entl/termcore/internal/redraw"
)

// resize grows the view and reports it, starting a redraw cycle under bash.
func resize(h *harness, v *fakeView, rows, cols int) {
	v.lines, v.columns = rows, cols
	h.s.OnViewSizeChange(rows, cols)
}

func TestResizeRunsRedrawCycle(t *testing.T) {
	h := newHarness(t)
	v := h.running(t)

	resize(h, v, 30, 100)
	require.Equal(t, redraw.ResizeReceiving, h.s.redraw.Step)
	rows, cols := h.ft.size()
	assert.Equal(t, 30, rows)
	assert.Equal(t, 100, cols)

	h.events.reset()
	h.ft.emit("\r\x1b[K$ echo")
	assert.Zero(t, h.events.count(EventReceivedData))

	h.ft.emit("\r\x1b[K$ echo hi\a")
	h.ft.emit("\x1b[C\x1b[K")
	h.ft.emit("\r\n\x1b]0;user@host: ~\a$ ")

	assert.False(t, h.s.redraw.Active())
	assert.Equal(t, []sentBlock{
		{"\x15", false},
		{"\r", false},
		{"echo hi", false},
		{"", false},
	}, h.ft.sentBlocks())

	titles := h.events.of(EventTitleChanged)
	require.Len(t, titles, 1)
	assert.Equal(t, "user@host: ~", titles[0].Text)
	assert.Len(t, h.events.of(EventReceivedData), 3)
}

func TestUnknownShellIsNotCorrected(t *testing.T) {
	h := newHarness(t)
	h.info.name = "fish"
	v := h.running(t)

	resize(h, v, 30, 100)
	assert.False(t, h.s.redraw.Active())

	h.ft.emit("\r\x1b[K> ")
	assert.Equal(t, 1, h.events.count(EventReceivedData))
	assert.Empty(t, h.ft.sentBlocks())
}

func TestTypingAbortsRedrawCycle(t *testing.T) {
	h := newHarness(t)
	v := h.running(t)

	resize(h, v, 30, 100)
	require.True(t, h.s.redraw.Active())

	h.s.SendKeys([]byte("x"))

	assert.False(t, h.s.redraw.Active())
	assert.Equal(t, []sentBlock{{"x", true}}, h.ft.sentBlocks())

	// Output after the abort passes straight through.
	h.ft.emit("x")
	assert.Equal(t, 1, h.events.count(EventReceivedData))
}

func TestResizeDuringCycleIsDeferred(t *testing.T) {
	h := newHarness(t)
	v := h.running(t)

	resize(h, v, 30, 100)
	resize(h, v, 40, 120)
	resize(h, v, 35, 110)

	rows, cols := h.ft.size()
	assert.Equal(t, 30, rows)
	assert.Equal(t, 100, cols)

	h.s.SendKeys([]byte("x"))

	// Only the latest deferred size is applied, once.
	rows, cols = h.ft.size()
	assert.Equal(t, 35, rows)
	assert.Equal(t, 110, cols)
	assert.Equal(t, [][2]int{{24, 80}, {30, 100}, {35, 110}}, h.ft.sizes)
	// The applied size starts a fresh cycle.
	assert.True(t, h.s.redraw.Active())
}

func TestWatchdogAbandonsStalledCycle(t *testing.T) {
	h := newHarness(t)
	h.s.engine = redraw.NewEngine(redraw.WithTimeout(20 * time.Millisecond))
	v := h.running(t)

	resize(h, v, 30, 100)
	require.True(t, h.s.redraw.Active())

	assert.Eventually(t, func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return !h.s.redraw.Active()
	}, time.Second, 5*time.Millisecond)
}

func TestEmptyPTYOutputIsDecoded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.RunEmptyPTY())

	h.ft.emit("hello")

	data := h.events.of(EventReceivedData)
	require.Len(t, data, 1)
	assert.Equal(t, "hello", string(data[0].Data))
}

func TestSessionGeometryFallsBackToDecoder(t *testing.T) {
	h := newHarness(t)
	geo := sessionGeometry{h.s}
	assert.Equal(t, 24, geo.ViewLines())

	h.s.AddView(&fakeView{lines: 40, columns: 100})
	assert.Equal(t, 40, geo.ViewLines())
}

func TestActivityStateFollowsMonitoring(t *testing.T) {
	h := newHarness(t)
	h.running(t)

	h.ft.emit("a")
	states := h.events.of(EventStateChanged)
	require.NotEmpty(t, states)
	assert.Equal(t, emulation.StateNormal, states[len(states)-1].State)
	assert.Zero(t, h.events.count(EventActivity))
}

func TestCloseDuringCycleCountsAbort(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarnessWithEngine(t, redraw.NewEngine(redraw.WithTimeout(0), redraw.WithMetrics(m)))
	v := h.running(t)

	resize(h, v, 30, 100)
	require.True(t, h.s.redraw.Active())

	h.s.Close()

	assert.False(t, h.s.redraw.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedrawAborted.WithLabelValues("bash", "close")))
	assert.Zero(t, testutil.ToFloat64(m.RedrawAborted.WithLabelValues("bash", "exit")))
	assert.Equal(t, 1, h.events.count(EventFinished))
}
