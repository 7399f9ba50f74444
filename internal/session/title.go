package session

import (
	"image/color"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// TitleRequest is an OSC title-family command received from the program.
// The concrete types below are the only implementations.
type TitleRequest interface {
	// Code returns the OSC number the request was sent with.
	Code() int
}

// WindowAndIconTitle sets both the user title and the icon text (OSC 0).
type WindowAndIconTitle struct{ Text string }

// IconTitle sets the icon text (OSC 1).
type IconTitle struct{ Text string }

// WindowTitle sets the user title (OSC 2).
type WindowTitle struct{ Text string }

// BackgroundColor asks for a new background colour (OSC 11). Color is nil
// when Spec does not parse.
type BackgroundColor struct {
	Spec  string
	Color color.Color
}

// Rename sets the session name (OSC 30).
type Rename struct{ Name string }

// OpenURL asks the host to open a location (OSC 31).
type OpenURL struct{ URL string }

// IconName sets the icon name (OSC 32).
type IconName struct{ Name string }

// ProfileChange carries a profile change command (OSC 50).
type ProfileChange struct{ Command string }

// UnknownTitle is any other code. It is accepted and ignored.
type UnknownTitle struct {
	Number int
	Text   string
}

func (WindowAndIconTitle) Code() int { return 0 }
func (IconTitle) Code() int          { return 1 }
func (WindowTitle) Code() int        { return 2 }
func (BackgroundColor) Code() int    { return 11 }
func (Rename) Code() int             { return 30 }
func (OpenURL) Code() int            { return 31 }
func (IconName) Code() int           { return 32 }
func (ProfileChange) Code() int      { return 50 }
func (u UnknownTitle) Code() int     { return u.Number }

// ParseTitleRequest maps an OSC code and payload to its request.
func ParseTitleRequest(code int, text string) TitleRequest {
	switch code {
	case 0:
		return WindowAndIconTitle{Text: text}
	case 1:
		return IconTitle{Text: text}
	case 2:
		return WindowTitle{Text: text}
	case 11:
		spec, _, _ := strings.Cut(text, ";")
		return BackgroundColor{Spec: spec, Color: ansi.XParseColor(spec)}
	case 30:
		return Rename{Name: text}
	case 31:
		return OpenURL{URL: text}
	case 32:
		return IconName{Name: text}
	case 50:
		return ProfileChange{Command: text}
	default:
		return UnknownTitle{Number: code, Text: text}
	}
}

// TitleRole selects one of the session's own titles.
type TitleRole int

const (
	NameRole TitleRole = iota
	DisplayedTitleRole
)

// TabTitleContext selects a tab title format.
type TabTitleContext int

const (
	LocalTabTitle TabTitleContext = iota
	RemoteTabTitle
)

type titles struct {
	nameTitle       string
	displayTitle    string
	userTitle       string
	iconName        string
	iconText        string
	localTabFormat  string
	remoteTabFormat string
	isTitleChanged  bool
	background      color.Color
}

// SetUserTitle applies a title request as if the program had sent it.
func (s *Session) SetUserTitle(req TitleRequest) {
	s.mu.Lock()
	defer s.unlock()
	s.setUserTitleLocked(req)
}

func (s *Session) setUserTitleLocked(req TitleRequest) {
	modified := false

	switch r := req.(type) {
	case WindowAndIconTitle:
		s.isTitleChanged = true
		modified = s.setString(&s.userTitle, r.Text)
		modified = s.setString(&s.iconText, r.Text) || modified
	case WindowTitle:
		s.isTitleChanged = true
		modified = s.setString(&s.userTitle, r.Text)
	case IconTitle:
		s.isTitleChanged = true
		modified = s.setString(&s.iconText, r.Text)
	case BackgroundColor:
		if r.Color == nil || sameColor(r.Color, s.background) {
			return
		}
		s.background = r.Color
		s.emitLocked(Event{Kind: EventBackgroundColorRequest, Text: r.Spec})
	case Rename:
		s.isTitleChanged = true
		s.setTitleLocked(NameRole, r.Name)
		return
	case OpenURL:
		s.emitLocked(Event{Kind: EventOpenURLRequest, Text: s.expandHome(r.URL)})
	case IconName:
		s.isTitleChanged = true
		modified = s.setString(&s.iconName, r.Name)
	case ProfileChange:
		s.emitLocked(Event{Kind: EventProfileChangeCommand, Text: r.Command})
		return
	}

	if modified {
		s.emitLocked(Event{Kind: EventTitleChanged, Text: s.userTitle})
	}
}

func (s *Session) setString(dst *string, v string) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

func (s *Session) expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home := s.getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home + path[1:]
}

func sameColor(a, b color.Color) bool {
	if a == nil || b == nil {
		return a == b
	}
	ar, ag, ab, aa := a.RGBA()
	br, bg, bb, ba := b.RGBA()
	return ar == br && ag == bg && ab == bb && aa == ba
}

// SetTitle sets a title role. Setting the displayed title also replaces
// both tab title formats.
func (s *Session) SetTitle(role TitleRole, title string) {
	s.mu.Lock()
	defer s.unlock()
	s.setTitleLocked(role, title)
}

func (s *Session) setTitleLocked(role TitleRole, title string) {
	if s.titleLocked(role) == title {
		return
	}
	switch role {
	case NameRole:
		s.nameTitle = title
	case DisplayedTitleRole:
		s.displayTitle = title
		s.localTabFormat = title
		s.remoteTabFormat = title
	}
	s.emitLocked(Event{Kind: EventTitleChanged, Text: title})
}

// Title returns a title role.
func (s *Session) Title(role TitleRole) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titleLocked(role)
}

func (s *Session) titleLocked(role TitleRole) string {
	switch role {
	case NameRole:
		return s.nameTitle
	case DisplayedTitleRole:
		return s.displayTitle
	default:
		return ""
	}
}

// UserTitle returns the title set by the program or by exit handling.
func (s *Session) UserTitle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTitle
}

// SetIconName sets the icon name.
func (s *Session) SetIconName(name string) {
	s.mu.Lock()
	defer s.unlock()
	if s.setString(&s.iconName, name) {
		s.emitLocked(Event{Kind: EventTitleChanged, Text: s.userTitle})
	}
}

// IconName returns the icon name.
func (s *Session) IconName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iconName
}

// SetIconText sets the icon text without notifying.
func (s *Session) SetIconText(text string) {
	s.mu.Lock()
	s.iconText = text
	s.mu.Unlock()
}

// IconText returns the icon text.
func (s *Session) IconText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iconText
}

// IsTitleChanged reports whether the program ever set a title.
func (s *Session) IsTitleChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTitleChanged
}

// SetTabTitleFormat sets the template a tab title is built from. See
// procinfo.Process.Format for the placeholders.
func (s *Session) SetTabTitleFormat(ctx TabTitleContext, format string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ctx {
	case LocalTabTitle:
		s.localTabFormat = format
		s.processInfoLocked().SetUserNameRequired(containsUserPlaceholder(format))
	case RemoteTabTitle:
		s.remoteTabFormat = format
	}
}

// TabTitleFormat returns a tab title template.
func (s *Session) TabTitleFormat(ctx TabTitleContext) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ctx {
	case LocalTabTitle:
		return s.localTabFormat
	case RemoteTabTitle:
		return s.remoteTabFormat
	default:
		return ""
	}
}

// TabTitle expands the local tab title format against the process
// currently in the foreground.
func (s *Session) TabTitle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localTabFormat == "" {
		return s.nameTitle
	}
	return s.processInfoLocked().Format(s.localTabFormat)
}

func containsUserPlaceholder(format string) bool {
	return strings.Contains(format, "%u")
}
