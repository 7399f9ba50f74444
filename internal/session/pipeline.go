package session

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/entl/termcore/internal/emulation"
)

// onData receives one block from the transport reader goroutine.
func (s *Session) onData(block []byte) {
	s.mu.Lock()
	defer s.unlock()
	s.receiveBlockLocked(block)
}

// receiveBlockLocked runs a block through redraw correction and the decoder.
func (s *Session) receiveBlockLocked(block []byte) {
	defer s.armWatchdogLocked()

	data, ok := s.engine.Pre(s.redraw, block, sessionGeometry{s})
	if !ok || len(data) == 0 {
		return
	}
	s.decoder.ReceiveData(data)
	s.engine.Capture(s.redraw, data)
	s.engine.Post(s.redraw, redrawOutput{s})
	s.emitLocked(Event{Kind: EventReceivedData, Data: data})
}

// applyWindowSizeLocked pushes a size to the terminal and decoder. A change
// under a shell with a quirk profile starts a redraw cycle.
func (s *Session) applyWindowSizeLocked(rows, cols int) {
	oldRows, oldCols := s.transport.WindowSize()
	if err := s.transport.SetWindowSize(rows, cols); err != nil {
		s.logger.Debug("set window size failed",
			zap.Int("rows", rows),
			zap.Int("cols", cols),
			zap.Error(err))
		return
	}
	s.decoder.SetImageSize(rows, cols)

	if (rows == oldRows && cols == oldCols) || !s.transport.IsRunning() {
		return
	}
	if s.engine.Begin(s.redraw, s.dynamicProcessNameLocked()) {
		s.armWatchdogLocked()
	}
}

// setWindowSizeLocked defers the size while a redraw cycle is running.
func (s *Session) setWindowSizeLocked(rows, cols int) {
	if s.redraw.Active() {
		s.redraw.Defer(rows, cols)
		return
	}
	s.applyWindowSizeLocked(rows, cols)
}

func (s *Session) armWatchdogLocked() {
	s.stopWatchdogLocked()
	if d := s.engine.CheckTimeout(s.redraw, redrawOutput{s}); d > 0 && s.watchdog == nil {
		s.watchdog = time.AfterFunc(d, s.onWatchdog)
	}
}

func (s *Session) stopWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) onWatchdog() {
	s.mu.Lock()
	defer s.unlock()
	s.watchdog = nil
	s.armWatchdogLocked()
}

// abortRedrawLocked gives up a running cycle because the user typed.
func (s *Session) abortRedrawLocked() {
	if !s.redraw.Active() {
		return
	}
	s.engine.Abort(s.redraw, "input", redrawOutput{s})
	s.armWatchdogLocked()
}

// sessionGeometry exposes the decoder and primary view to the redraw engine.
type sessionGeometry struct{ s *Session }

func (g sessionGeometry) CursorRow() int    { return g.s.decoder.CursorRow() }
func (g sessionGeometry) HistoryLines() int { return g.s.decoder.HistoryLines() }
func (g sessionGeometry) PromptLine() int   { return g.s.decoder.PromptLine() }

func (g sessionGeometry) ViewLines() int {
	if len(g.s.views) > 0 {
		return g.s.views[0].Lines()
	}
	rows, _ := g.s.decoder.ImageSize()
	return rows
}

// redrawOutput routes engine output through the decoder so synthetic input
// takes the same path as typed input.
type redrawOutput struct{ s *Session }

func (o redrawOutput) SendSynthetic(data []byte) {
	o.s.decoder.SendString(data, true)
}

func (o redrawOutput) ApplyResize(rows, cols int) {
	o.s.applyWindowSizeLocked(rows, cols)
}

// decoderListener handles decoder notifications. The decoder only calls it
// from methods the session invokes with its lock held.
type decoderListener struct{ s *Session }

func (l decoderListener) Output(data []byte, synthetic bool) {
	s := l.s
	if s.emptyPTY {
		return
	}
	if !synthetic {
		s.abortRedrawLocked()
	}
	if err := s.transport.Send(data, !synthetic); err != nil {
		s.logger.Debug("send failed", zap.Error(err))
	}
	if !synthetic && len(data) > 0 {
		s.forwardLocked(bytes.Clone(data))
	}
}

func (l decoderListener) Title(code int, text string) {
	l.s.setUserTitleLocked(ParseTitleRequest(code, text))
}

func (l decoderListener) State(state emulation.ActivityState) {
	l.s.activityStateSetLocked(state)
}

func (l decoderListener) ImageResizeRequest(rows, cols int) {
	l.s.setSizeLocked(rows, cols)
}

func (l decoderListener) UsesMouseChanged(usesMouse bool) {
	l.s.emitLocked(Event{Kind: EventUsesMouseChanged, Flag: usesMouse})
}

func (l decoderListener) BracketedPasteChanged(enabled bool) {
	l.s.emitLocked(Event{Kind: EventBracketedPasteChanged, Flag: enabled})
}

func (l decoderListener) CursorChanged(shape emulation.CursorShape, blinking bool) {
	l.s.emitLocked(Event{Kind: EventCursorChanged, Cursor: shape, Flag: blinking})
}
