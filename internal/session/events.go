package session

import (
	"github.com/entl/termcore/internal/emulation"
)

// EventKind identifies a session notification.
type EventKind int

const (
	EventStarted EventKind = iota
	EventFinished
	EventTitleChanged
	EventActivity
	EventSilence
	EventStateChanged
	EventReceivedData
	EventResizeRequest
	EventCurrentDirectoryChanged
	EventOpenURLRequest
	EventProfileChangeCommand
	EventBackgroundColorRequest
	EventBell
	EventFlowControlChanged
	EventProfileChanged
	EventUsesMouseChanged
	EventBracketedPasteChanged
	EventCursorChanged
)

var eventNames = map[EventKind]string{
	EventStarted:                 "started",
	EventFinished:                "finished",
	EventTitleChanged:            "title_changed",
	EventActivity:                "activity",
	EventSilence:                 "silence",
	EventStateChanged:            "state_changed",
	EventReceivedData:            "received_data",
	EventResizeRequest:           "resize_request",
	EventCurrentDirectoryChanged: "current_directory_changed",
	EventOpenURLRequest:          "open_url_request",
	EventProfileChangeCommand:    "profile_change_command",
	EventBackgroundColorRequest:  "background_color_request",
	EventBell:                    "bell",
	EventFlowControlChanged:      "flow_control_changed",
	EventProfileChanged:          "profile_changed",
	EventUsesMouseChanged:        "uses_mouse_changed",
	EventBracketedPasteChanged:   "bracketed_paste_changed",
	EventCursorChanged:           "cursor_changed",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is a notification published by a Session. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind      EventKind
	SessionID int

	// Text carries titles, URLs, directories, profile commands, colours
	// and bell messages.
	Text string
	// Data is a copy of the decoded block for EventReceivedData.
	Data   []byte
	State  emulation.ActivityState
	Cursor emulation.CursorShape
	Rows   int
	Cols   int
	// Flag carries the boolean of flow control, mouse and paste changes.
	Flag     bool
	ExitCode int
	Crashed  bool
}

// Subscribe registers fn for every event the session publishes. fn is
// never called with the session lock held, so it may call back into the
// session. The returned function removes the subscription.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

type subscriber struct {
	id int
	fn func(Event)
}

// emitLocked queues an event for delivery once the lock is released.
func (s *Session) emitLocked(ev Event) {
	ev.SessionID = s.id
	s.queued = append(s.queued, ev)
}

// afterLocked schedules fn to run once the lock is released. Work that
// touches another session goes through here.
func (s *Session) afterLocked(fn func()) {
	s.after = append(s.after, fn)
}

// unlock releases the session lock, runs deferred work and delivers queued
// events.
func (s *Session) unlock() {
	events, after := s.queued, s.after
	s.queued, s.after = nil, nil
	var subs []func(Event)
	if len(events) > 0 {
		subs = make([]func(Event), 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
