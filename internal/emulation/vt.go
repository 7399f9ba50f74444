package emulation

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const (
	defaultRows = 24
	defaultCols = 80
	tabWidth    = 8
)

// VT is a Decoder that follows cursor movement, scrolling and the private
// modes a session cares about. It keeps no cell contents.
//
// VT is not safe for concurrent use; the owning session serialises calls.
type VT struct {
	parser   *ansi.Parser
	listener Listener

	rows, cols int
	row, col   int
	wrapNext   bool
	savedRow   int
	savedCol   int
	history    int
	promptLine int

	utf8        bool
	usesMouse   bool
	bracketed   bool
	erase       byte
	keyBindings string
}

var _ Decoder = (*VT)(nil)

// NewVT returns a decoder with a 24x80 image.
func NewVT() *VT {
	v := &VT{
		listener:   NopListener{},
		rows:       defaultRows,
		cols:       defaultCols,
		promptLine: 1,
		utf8:       true,
		erase:      0x7f,
	}
	v.parser = ansi.NewParser()
	v.parser.SetHandler(ansi.Handler{
		Print:     v.print,
		Execute:   v.execute,
		HandleCsi: v.handleCsi,
		HandleEsc: v.handleEsc,
		HandleOsc: v.handleOsc,
	})
	return v
}

// SetListener installs the notification sink. nil restores the no-op sink.
func (v *VT) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	v.listener = l
}

// ReceiveData decodes a block of child output.
func (v *VT) ReceiveData(data []byte) {
	v.listener.State(StateActivity)
	for _, b := range data {
		v.parser.Advance(b)
	}
}

// SendString forwards bytes to the child unchanged.
func (v *VT) SendString(data []byte, synthetic bool) {
	v.listener.Output(data, synthetic)
}

// SendText forwards typed text, translating newlines to carriage returns as
// the Return key would.
func (v *VT) SendText(text string) {
	if text == "" {
		return
	}
	v.listener.Output([]byte(strings.ReplaceAll(text, "\n", "\r")), false)
}

// SetImageSize resizes the image. Rows that no longer fit above the cursor
// scroll into history.
func (v *VT) SetImageSize(rows, cols int) {
	if rows < 1 || cols < 1 {
		return
	}
	if v.row >= rows {
		shift := v.row - rows + 1
		v.history += shift
		v.row -= shift
	}
	if v.col >= cols {
		v.col = cols - 1
	}
	v.rows, v.cols = rows, cols
	v.wrapNext = false
}

func (v *VT) ImageSize() (rows, cols int) { return v.rows, v.cols }
func (v *VT) CursorRow() int               { return v.row }
func (v *VT) CursorColumn() int            { return v.col }
func (v *VT) HistoryLines() int            { return v.history }
func (v *VT) PromptLine() int              { return v.promptLine }
func (v *VT) UTF8() bool                   { return v.utf8 }
func (v *VT) ProgramUsesMouse() bool       { return v.usesMouse }
func (v *VT) BracketedPasteMode() bool     { return v.bracketed }
func (v *VT) EraseChar() byte              { return v.erase }
func (v *VT) KeyBindings() string          { return v.keyBindings }

// SetKeyBindings selects the key binding table by id.
func (v *VT) SetKeyBindings(id string) { v.keyBindings = id }

// ClearHistory drops the scrollback.
func (v *VT) ClearHistory() {
	v.promptLine -= v.history
	if v.promptLine < 1 {
		v.promptLine = 1
	}
	v.history = 0
}

func (v *VT) absoluteLine() int {
	return v.history + v.row + 1
}

func (v *VT) print(r rune) {
	if v.wrapNext {
		v.col = 0
		v.lineFeed(false)
	}
	w := ansi.StringWidth(string(r))
	if w < 1 {
		w = 1
	}
	v.col += w
	if v.col >= v.cols {
		v.col = v.cols - 1
		v.wrapNext = true
	}
}

// lineFeed moves down one row, scrolling into history at the bottom. A feed
// that starts a new logical line also moves the prompt line there.
func (v *VT) lineFeed(newLine bool) {
	v.wrapNext = false
	if v.row >= v.rows-1 {
		v.history++
	} else {
		v.row++
	}
	if newLine {
		v.promptLine = v.absoluteLine()
	}
}

func (v *VT) execute(b byte) {
	switch b {
	case ansi.BEL:
		v.listener.State(StateBell)
	case ansi.BS:
		v.wrapNext = false
		if v.col > 0 {
			v.col--
		}
	case ansi.HT:
		v.col = min((v.col/tabWidth+1)*tabWidth, v.cols-1)
	case ansi.LF, ansi.VT, ansi.FF:
		v.lineFeed(true)
	case ansi.CR:
		v.col = 0
		v.wrapNext = false
	}
}

func (v *VT) handleEsc(cmd ansi.Cmd) {
	if cmd.Intermediate() == '%' {
		switch cmd.Final() {
		case 'G':
			v.utf8 = true
		case '@':
			v.utf8 = false
		}
		return
	}
	if cmd.Intermediate() != 0 {
		return
	}
	switch cmd.Final() {
	case 'D': // IND
		v.lineFeed(false)
	case 'E': // NEL
		v.col = 0
		v.lineFeed(true)
	case 'M': // RI
		v.wrapNext = false
		if v.row > 0 {
			v.row--
		}
	case '7':
		v.savedRow, v.savedCol = v.row, v.col
	case '8':
		v.row, v.col = v.clampRow(v.savedRow), v.clampCol(v.savedCol)
		v.wrapNext = false
	case 'c': // RIS
		v.row, v.col = 0, 0
		v.wrapNext = false
		v.setMouse(false)
		v.setBracketed(false)
	}
}

func (v *VT) handleCsi(cmd ansi.Cmd, params ansi.Params) {
	n := func(i int) int {
		p, _, _ := params.Param(i, 1)
		if p < 1 {
			p = 1
		}
		return p
	}

	switch cmd.Prefix() {
	case '?':
		switch cmd.Final() {
		case 'h':
			v.setPrivateModes(params, true)
		case 'l':
			v.setPrivateModes(params, false)
		}
		return
	case 0:
	default:
		return
	}

	if cmd.Intermediate() == ' ' && cmd.Final() == 'q' {
		style, _, _ := params.Param(0, 0)
		v.cursorStyle(style)
		return
	}
	if cmd.Intermediate() != 0 {
		return
	}

	v.wrapNext = false
	switch cmd.Final() {
	case 'A': // CUU
		v.row = v.clampRow(v.row - n(0))
	case 'B', 'e': // CUD, VPR
		v.row = v.clampRow(v.row + n(0))
	case 'C', 'a': // CUF, HPR
		v.col = v.clampCol(v.col + n(0))
	case 'D': // CUB
		v.col = v.clampCol(v.col - n(0))
	case 'E': // CNL
		v.row = v.clampRow(v.row + n(0))
		v.col = 0
	case 'F': // CPL
		v.row = v.clampRow(v.row - n(0))
		v.col = 0
	case 'G', '`': // CHA, HPA
		v.col = v.clampCol(n(0) - 1)
	case 'd': // VPA
		v.row = v.clampRow(n(0) - 1)
	case 'H', 'f': // CUP
		v.row = v.clampRow(n(0) - 1)
		v.col = v.clampCol(n(1) - 1)
	case 'J': // ED
		if mode, _, _ := params.Param(0, 0); mode == 3 {
			v.ClearHistory()
		}
	case 't': // window manipulation
		if op, _, _ := params.Param(0, 0); op == 8 {
			rows, _, _ := params.Param(1, 0)
			cols, _, _ := params.Param(2, 0)
			v.listener.ImageResizeRequest(rows, cols)
		}
	}
}

func (v *VT) setPrivateModes(params ansi.Params, on bool) {
	params.ForEach(0, func(_ int, mode int, _ bool) {
		switch mode {
		case 1000, 1001, 1002, 1003:
			v.setMouse(on)
		// 1006 is the SGR report encoding, not a tracking mode.
		case 2004:
			v.setBracketed(on)
		}
	})
}

func (v *VT) setMouse(on bool) {
	if v.usesMouse == on {
		return
	}
	v.usesMouse = on
	v.listener.UsesMouseChanged(on)
}

func (v *VT) setBracketed(on bool) {
	if v.bracketed == on {
		return
	}
	v.bracketed = on
	v.listener.BracketedPasteChanged(on)
}

func (v *VT) cursorStyle(style int) {
	shape := CursorBlock
	switch style {
	case 3, 4:
		shape = CursorUnderline
	case 5, 6:
		shape = CursorBar
	}
	// Even styles are steady; 0 and 1 both mean a blinking block.
	blinking := style == 0 || style%2 == 1
	v.listener.CursorChanged(shape, blinking)
}

// handleOsc splits "N;text" and reports it as a title command. Commands
// without a numeric code are ignored.
func (v *VT) handleOsc(_ int, data []byte) {
	code, text, _ := bytes.Cut(data, []byte{';'})
	n, err := strconv.Atoi(string(code))
	if err != nil || n < 0 {
		return
	}
	v.listener.Title(n, string(text))
}

func (v *VT) clampRow(r int) int {
	return max(0, min(r, v.rows-1))
}

func (v *VT) clampCol(c int) int {
	return max(0, min(c, v.cols-1))
}
