// Package redraw repairs the garbled line redraw some shells emit after a
// terminal resize. The engine sits between the transport and the decoder:
// it suppresses or rewrites the shell's redraw, then drives the shell with
// synthetic keystrokes until it prints a clean prompt and input line.
package redraw

import (
	"bytes"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/metrics"
)

// Geometry is the decoder state the clear-line fix-up needs.
type Geometry interface {
	CursorRow() int
	HistoryLines() int
	// PromptLine is the 1-based absolute line the prompt started on.
	PromptLine() int
	// ViewLines is the height of the primary view.
	ViewLines() int
}

// Output receives what the engine sends back towards the child.
type Output interface {
	// SendSynthetic writes terminal-generated input to the child. Empty data
	// is a flush.
	SendSynthetic(data []byte)
	// ApplyResize pushes a size that was deferred while a cycle ran.
	ApplyResize(rows, cols int)
}

// Engine runs the redraw correction cycle. It holds no per-session state
// and is safe to share between sessions.
type Engine struct {
	registry *Registry
	enabled  map[string]bool
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the quirk profiles. The default holds bash.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithShells restricts correction to the named shells. An empty list
// enables every registered profile.
func WithShells(names ...string) Option {
	return func(e *Engine) {
		e.enabled = make(map[string]bool, len(names))
		for _, n := range names {
			if n = ShellName(n); n != "" {
				e.enabled[n] = true
			}
		}
	}
}

// WithTimeout sets how long a cycle may go without progress before it is
// abandoned. Zero disables the watchdog.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMetrics sets the collectors cycles are counted on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		registry: DefaultRegistry(),
		timeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).Named("redraw")
	return e
}

// Timeout returns the watchdog interval.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Supports reports whether the engine corrects redraws for a process name.
func (e *Engine) Supports(process string) bool {
	_, ok := e.profile(process)
	return ok
}

func (e *Engine) profile(process string) (*Quirks, bool) {
	if e == nil || e.registry == nil {
		return nil, false
	}
	q, ok := e.registry.Lookup(process)
	if !ok {
		return nil, false
	}
	if len(e.enabled) > 0 && !e.enabled[q.Name] {
		return nil, false
	}
	return q, true
}

// Begin starts a cycle after the terminal was resized under process. It
// returns false, leaving ctx untouched, when the shell has no profile or a
// cycle is already running.
func (e *Engine) Begin(ctx *Context, process string) bool {
	q, ok := e.profile(process)
	if !ok || ctx.Active() {
		return false
	}
	if !ctx.Fire(Resized) {
		return false
	}
	ctx.quirks = q
	ctx.shell = q.Name
	ctx.Save = SaveAll
	e.metrics.CycleStarted(q.Name)
	return true
}

// ShellStarted resets ctx for a freshly started shell.
func (e *Engine) ShellStarted(ctx *Context) {
	if ctx.Active() {
		e.metrics.CycleAborted(ctx.shell, "restart")
	}
	ctx.Fire(ShellStarted)
}

// Pre inspects a block from the child before it reaches the decoder. It
// returns the bytes to decode, or false when the block must be dropped.
func (e *Engine) Pre(ctx *Context, block []byte, geo Geometry) ([]byte, bool) {
	if !ctx.Active() {
		return block, true
	}
	q := ctx.quirks

	switch ctx.Step {
	case ResizeReceiving:
		if !bytes.Contains(block, q.Terminator) {
			return e.drop(ctx, block)
		}
		ctx.Save = SaveAll
		ctx.RedrawText = ctx.RedrawText[:0]
		return e.FixClearLine(ctx, block, geo), true

	case CtrlUReceiving:
		if !e.echoAcknowledged(ctx, block) {
			return e.drop(ctx, block)
		}
		ctx.Fire(EchoAcknowledged)
		ctx.Save = SaveNone
		return e.FixClearLine(ctx, bytes.Clone(q.SyntheticClear), geo), true

	case ReturnReceiving:
		block = e.deleteReturnPrefix(ctx, block)
		if !bytes.Contains(block, q.Terminator) {
			return e.drop(ctx, block)
		}
		return block, true
	}
	return block, true
}

// Capture records the printable text of a decoded block into the buffer the
// current save mode selects.
func (e *Engine) Capture(ctx *Context, decoded []byte) {
	if !ctx.Active() || ctx.Save == SaveNone {
		return
	}
	for _, b := range decoded {
		ctx.capture.Advance(b)
	}
}

// Post runs after a block was decoded and sends whatever the current step
// calls for. Steps that need no further input cascade within one call.
func (e *Engine) Post(ctx *Context, out Output) {
	q := ctx.quirks

	switch ctx.Step {
	case ResizeReceiving:
		if len(ctx.RedrawText) == 0 {
			return
		}
		out.SendSynthetic(bytes.Clone(q.Interrupt))
		ctx.Fire(TerminatorSeen)

	case ClearReceiving:
		out.SendSynthetic(bytes.Clone(q.Return))
		ctx.Fire(ClearDispatched)

	case ReturnReceiving:
		if len(ctx.Prompt) == 0 {
			// Sometimes only the terminator arrives first.
			return
		}
		prompt := ctx.Prompt
		if ctx.ExtraSpace {
			prompt = trimLastRune(prompt)
		}
		ctx.SwapText = nil
		if bytes.HasPrefix(ctx.RedrawText, prompt) {
			ctx.SwapText = bytes.Clone(ctx.RedrawText[len(prompt):])
		}
		ctx.Save = SaveNone
		ctx.RedrawText = nil
		ctx.Prompt = nil
		ctx.Fire(PromptReturned)
		e.finish(ctx, out)
	}

	e.settle(ctx, out)
}

// finish replays the saved input line and flushes, ending the cycle.
func (e *Engine) finish(ctx *Context, out Output) {
	shell := ctx.shell
	if len(ctx.SwapText) > 0 {
		out.SendSynthetic(ctx.SwapText)
	}
	ctx.Fire(SwapSent)
	out.SendSynthetic(nil)
	ctx.Fire(Flushed)
	e.metrics.CycleCompleted(shell)
}

// Abort abandons a running cycle.
func (e *Engine) Abort(ctx *Context, reason string, out Output) {
	if !ctx.Active() {
		return
	}
	ev := Abort
	if reason == "input" {
		ev = UserInput
	}
	shell := ctx.shell
	ctx.logger.Debug("cycle aborted",
		zap.String("reason", reason),
		zap.Stringer("step", ctx.Step))
	ctx.Fire(ev)
	e.metrics.CycleAborted(shell, reason)
	e.settle(ctx, out)
}

// Discard abandons a cycle because the session is going away. A deferred
// resize is not applied.
func (e *Engine) Discard(ctx *Context, reason string) {
	if ctx.Active() {
		ctx.logger.Debug("cycle discarded",
			zap.String("reason", reason),
			zap.Stringer("step", ctx.Step))
		e.metrics.CycleAborted(ctx.shell, reason)
	}
	ctx.Reset()
}

// CheckTimeout abandons a cycle that has made no progress within the
// engine timeout. It returns how long to wait before checking again, or
// zero when no check is needed.
func (e *Engine) CheckTimeout(ctx *Context, out Output) time.Duration {
	if !ctx.Active() || e.timeout <= 0 {
		return 0
	}
	idle := ctx.now().Sub(ctx.progress)
	if idle < e.timeout {
		return e.timeout - idle
	}
	e.Abort(ctx, "timeout", out)
	return 0
}

// settle applies a deferred resize once the cycle is over.
func (e *Engine) settle(ctx *Context, out Output) {
	if ctx.Active() {
		return
	}
	if rows, cols, ok := ctx.takePending(); ok {
		out.ApplyResize(rows, cols)
	}
}

// FixClearLine rewrites the shell's clear-line sequences in buf so they
// clear exactly the rows the old input line occupied.
func (e *Engine) FixClearLine(ctx *Context, buf []byte, geo Geometry) []byte {
	q := ctx.quirks
	if q == nil {
		return buf
	}

	extra := geo.CursorRow() + geo.HistoryLines() + 1 - geo.PromptLine()
	if extra < 0 {
		extra = 0
	}
	clear := make([]byte, 0, len(q.ClearLine)+extra*len(q.ExtraLine))
	clear = append(clear, q.ClearLine...)
	for range extra {
		clear = append(clear, q.ExtraLine...)
	}

	if ctx.Step == ResizeReceiving && bytes.HasSuffix(buf, q.TrailingSpace) {
		buf = buf[:len(buf)-len(q.TrailingSpace)]
	}

	malformed := append(bytes.Clone(q.ClearLine), q.MalformedRepeat...)
	for i := 0; i <= geo.ViewLines(); i++ {
		collapsed := bytes.ReplaceAll(buf, malformed, q.ClearLine)
		trimmed := bytes.TrimSuffix(collapsed, []byte{'\b'})
		if len(trimmed) == len(buf) {
			break
		}
		buf = trimmed
	}

	buf = bytes.ReplaceAll(buf, q.ClearLine, clear)
	buf = bytes.ReplaceAll(buf, q.BuggyReturn, nil)
	return buf
}

func (e *Engine) echoAcknowledged(ctx *Context, block []byte) bool {
	q := ctx.quirks
	ack := bytes.Equal(block, q.Terminator)
	for _, m := range q.EchoMarkers {
		if ack {
			break
		}
		ack = bytes.Contains(block, m)
	}
	return ack && !bytes.HasSuffix(block, ctx.RedrawText)
}

// deleteReturnPrefix strips the line break the shell puts before a fresh
// prompt and prepares prompt capture.
func (e *Engine) deleteReturnPrefix(ctx *Context, block []byte) []byte {
	q := ctx.quirks
	for _, pre := range q.ReturnPrefixes {
		if bytes.HasPrefix(block, pre) {
			block = block[len(pre):]
			ctx.Save = SavePrompt
			ctx.ExtraSpace = false
			ctx.Prompt = nil
			ctx.SwapText = nil
			break
		}
	}
	if bytes.HasSuffix(block, q.TrailingSpace) {
		ctx.ExtraSpace = true
	}
	return block
}

func (e *Engine) drop(ctx *Context, block []byte) ([]byte, bool) {
	ctx.logger.Debug("block dropped",
		zap.Stringer("step", ctx.Step),
		logging.Quoted("data", block))
	e.metrics.BlockDropped(ctx.shell, ctx.Step.String())
	return nil, false
}

func trimLastRune(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	_, size := utf8.DecodeLastRune(b)
	return b[:len(b)-size]
}
