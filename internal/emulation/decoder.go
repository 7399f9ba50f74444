// Package emulation defines the decoder a session feeds terminal output
// into, and a VT decoder that tracks the cursor and prompt bookkeeping the
// redraw engine relies on.
package emulation

// ActivityState is the notification state a decoder reports for a session.
type ActivityState int

const (
	StateNormal ActivityState = iota
	StateBell
	StateActivity
	StateSilence
)

func (s ActivityState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateBell:
		return "bell"
	case StateActivity:
		return "activity"
	case StateSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// CursorShape is the cursor style requested with DECSCUSR.
type CursorShape int

const (
	CursorBlock CursorShape = iota
	CursorUnderline
	CursorBar
)

// Listener receives decoder notifications. Calls are made synchronously from
// within the decoder method that caused them.
type Listener interface {
	// Output carries bytes bound for the child process. synthetic is true for
	// input generated by the terminal rather than typed by the user.
	Output(data []byte, synthetic bool)
	// Title carries an OSC string command: the numeric code and its payload.
	Title(code int, text string)
	State(state ActivityState)
	ImageResizeRequest(rows, cols int)
	UsesMouseChanged(usesMouse bool)
	BracketedPasteChanged(enabled bool)
	CursorChanged(shape CursorShape, blinking bool)
}

// Decoder consumes child output and produces child input.
type Decoder interface {
	ReceiveData(data []byte)
	SendString(data []byte, synthetic bool)
	SendText(text string)

	SetImageSize(rows, cols int)
	ImageSize() (rows, cols int)

	CursorRow() int
	HistoryLines() int
	// PromptLine is the 1-based absolute line (history included) on which
	// the current input line began.
	PromptLine() int

	UTF8() bool
	ProgramUsesMouse() bool
	BracketedPasteMode() bool
	EraseChar() byte

	SetKeyBindings(id string)
	KeyBindings() string
	ClearHistory()

	SetListener(l Listener)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) Output([]byte, bool)             {}
func (NopListener) Title(int, string)               {}
func (NopListener) State(ActivityState)             {}
func (NopListener) ImageResizeRequest(int, int)     {}
func (NopListener) UsesMouseChanged(bool)           {}
func (NopListener) BracketedPasteChanged(bool)      {}
func (NopListener) CursorChanged(CursorShape, bool) {}
