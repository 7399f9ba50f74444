package redraw

import (
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/entl/termcore/internal/logging"
)

// maxCapture bounds the captured redraw text and prompt.
const maxCapture = 64 << 10

// Context is the redraw state of one session. The session owns it and
// passes it to the Engine for every block; it is never shared.
type Context struct {
	Step       Step
	Save       SaveMode
	RedrawText []byte
	Prompt     []byte
	ExtraSpace bool
	SwapText   []byte

	quirks   *Quirks
	shell    string
	pending  bool
	pendRows int
	pendCols int
	progress time.Time
	now      func() time.Time

	capture *ansi.Parser
	logger  *zap.Logger
}

// NewContext returns an idle context. logger is the session's logger.
func NewContext(logger *zap.Logger) *Context {
	c := &Context{
		logger: logging.OrNop(logger).Named("redraw"),
		now:    time.Now,
	}
	c.capture = ansi.NewParser()
	c.capture.SetHandler(ansi.Handler{Print: c.capturePrint})
	return c
}

// Active reports whether a cycle is in progress.
func (c *Context) Active() bool {
	return c.Step != None
}

// Shell returns the profile name of the running cycle.
func (c *Context) Shell() string {
	return c.shell
}

// Defer records a resize to apply once the cycle finishes. Only the latest
// one is kept.
func (c *Context) Defer(rows, cols int) {
	c.pending = true
	c.pendRows, c.pendCols = rows, cols
}

// Pending returns the deferred resize, if any.
func (c *Context) Pending() (rows, cols int, ok bool) {
	return c.pendRows, c.pendCols, c.pending
}

func (c *Context) takePending() (rows, cols int, ok bool) {
	rows, cols, ok = c.pendRows, c.pendCols, c.pending
	c.pending = false
	c.pendRows, c.pendCols = 0, 0
	return rows, cols, ok
}

// Fire applies ev to the current step. Undefined pairs are rejected and
// leave the step unchanged.
func (c *Context) Fire(ev Event) bool {
	next, ok := Next(c.Step, ev)
	if !ok {
		c.logger.Debug("transition rejected",
			zap.Stringer("step", c.Step),
			zap.Stringer("event", ev))
		return false
	}
	if next != c.Step {
		c.logger.Debug("transition",
			zap.Stringer("from", c.Step),
			zap.Stringer("to", next),
			zap.Stringer("event", ev))
		c.touch()
	}
	c.Step = next
	if next == None {
		c.clear()
	}
	return true
}

// Reset abandons any cycle. A deferred resize is kept.
func (c *Context) Reset() {
	c.Step = None
	c.clear()
}

func (c *Context) clear() {
	c.Save = SaveAll
	c.RedrawText = nil
	c.Prompt = nil
	c.SwapText = nil
	c.ExtraSpace = false
	c.quirks = nil
	c.shell = ""
	c.capture.Reset()
}

func (c *Context) touch() {
	c.progress = c.now()
}

// capturePrint appends one printed rune to the buffer selected by Save.
func (c *Context) capturePrint(r rune) {
	var dst *[]byte
	switch c.Save {
	case SaveAll:
		dst = &c.RedrawText
	case SavePrompt:
		dst = &c.Prompt
	default:
		return
	}
	if len(*dst)+utf8.UTFMax > maxCapture {
		return
	}
	*dst = utf8.AppendRune(*dst, r)
}
