package redraw

// Step is the position of a session in the redraw correction cycle.
type Step int

const (
	None Step = iota
	ResizeReceiving
	CtrlUReceiving
	ClearReceiving
	ReturnReceiving
	SwapText
	UserKey
)

func (s Step) String() string {
	switch s {
	case None:
		return "None"
	case ResizeReceiving:
		return "ResizeReceiving"
	case CtrlUReceiving:
		return "CtrlUReceiving"
	case ClearReceiving:
		return "ClearReceiving"
	case ReturnReceiving:
		return "ReturnReceiving"
	case SwapText:
		return "SwapText"
	case UserKey:
		return "UserKey"
	default:
		return "Unknown"
	}
}

// SaveMode selects where printable output is captured while a cycle runs.
type SaveMode int

const (
	SaveAll    SaveMode = iota // into the redraw text
	SavePrompt                 // into the prompt
	SaveNone
)

func (m SaveMode) String() string {
	switch m {
	case SaveAll:
		return "SaveAll"
	case SavePrompt:
		return "SavePrompt"
	case SaveNone:
		return "SaveNone"
	default:
		return "Unknown"
	}
}

// Event drives a Step transition.
type Event int

const (
	Resized          Event = iota // the terminal size changed under a recognised shell
	TerminatorSeen                // the shell's redraw block ended and Ctrl-U was sent
	EchoAcknowledged              // the shell echoed the line kill
	ClearDispatched               // a carriage return was sent for a fresh prompt
	PromptReturned                // the fresh prompt arrived
	SwapSent                      // the saved input line was replayed
	Flushed                       // the settling flush was sent
	ShellStarted
	UserInput
	Abort
)

func (e Event) String() string {
	switch e {
	case Resized:
		return "Resized"
	case TerminatorSeen:
		return "TerminatorSeen"
	case EchoAcknowledged:
		return "EchoAcknowledged"
	case ClearDispatched:
		return "ClearDispatched"
	case PromptReturned:
		return "PromptReturned"
	case SwapSent:
		return "SwapSent"
	case Flushed:
		return "Flushed"
	case ShellStarted:
		return "ShellStarted"
	case UserInput:
		return "UserInput"
	case Abort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// transitions lists every defined (step, event) pair. Pairs not listed are
// rejected and leave the step unchanged.
var transitions = map[Step]map[Event]Step{
	None: {
		Resized:      ResizeReceiving,
		ShellStarted: None,
	},
	ResizeReceiving: {
		TerminatorSeen: CtrlUReceiving,
		ShellStarted:   None,
		UserInput:      None,
		Abort:          None,
	},
	CtrlUReceiving: {
		EchoAcknowledged: ClearReceiving,
		ShellStarted:     None,
		UserInput:        None,
		Abort:            None,
	},
	ClearReceiving: {
		ClearDispatched: ReturnReceiving,
		ShellStarted:    None,
		UserInput:       None,
		Abort:           None,
	},
	ReturnReceiving: {
		PromptReturned: SwapText,
		ShellStarted:   None,
		UserInput:      None,
		Abort:          None,
	},
	SwapText: {
		SwapSent:     UserKey,
		ShellStarted: None,
		UserInput:    None,
		Abort:        None,
	},
	UserKey: {
		Flushed:      None,
		ShellStarted: None,
		UserInput:    None,
		Abort:        None,
	},
}

// Next returns the step that ev leads to from s.
func Next(s Step, ev Event) (Step, bool) {
	next, ok := transitions[s][ev]
	return next, ok
}
