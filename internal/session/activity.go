package session

import (
	"fmt"
	"time"

	"github.com/entl/termcore/internal/emulation"
)

// SetMonitorActivity toggles activity notifications.
func (s *Session) SetMonitorActivity(monitor bool) {
	s.mu.Lock()
	defer s.unlock()
	s.monitorActivity = monitor
	s.notifiedActivity = false
	s.activityStateSetLocked(emulation.StateNormal)
}

// IsMonitorActivity reports whether activity is monitored.
func (s *Session) IsMonitorActivity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorActivity
}

// SetMonitorSilence toggles silence notifications.
func (s *Session) SetMonitorSilence(monitor bool) {
	s.mu.Lock()
	defer s.unlock()
	if s.monitorSilence == monitor {
		return
	}
	s.monitorSilence = monitor
	if monitor {
		s.startSilenceTimerLocked()
	} else {
		s.stopSilenceTimerLocked()
	}
	s.activityStateSetLocked(emulation.StateNormal)
}

// IsMonitorSilence reports whether silence is monitored.
func (s *Session) IsMonitorSilence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorSilence
}

// SetMonitorSilenceSeconds sets how long output must stop before silence
// is reported.
func (s *Session) SetMonitorSilenceSeconds(seconds int) {
	s.mu.Lock()
	defer s.unlock()
	s.silenceSeconds = seconds
	if s.monitorSilence {
		s.startSilenceTimerLocked()
	}
}

// MonitorSilenceSeconds returns the silence interval.
func (s *Session) MonitorSilenceSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silenceSeconds
}

func (s *Session) activityStateSetLocked(state emulation.ActivityState) {
	switch state {
	case emulation.StateBell:
		s.emitLocked(Event{
			Kind: EventBell,
			Text: fmt.Sprintf("Bell in session '%s'", s.nameTitle),
		})
	case emulation.StateActivity:
		if s.monitorSilence {
			s.startSilenceTimerLocked()
		}
		if s.monitorActivity && !s.notifiedActivity {
			s.notifiedActivity = true
			s.emitLocked(Event{Kind: EventActivity})
		}
	}

	if state == emulation.StateActivity && !s.monitorActivity {
		state = emulation.StateNormal
	}
	if state == emulation.StateSilence && !s.monitorSilence {
		state = emulation.StateNormal
	}
	s.emitLocked(Event{Kind: EventStateChanged, State: state})
}

func (s *Session) startSilenceTimerLocked() {
	d := time.Duration(s.silenceSeconds) * time.Second
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(d, s.monitorTimerDone)
		return
	}
	s.silenceTimer.Reset(d)
}

func (s *Session) stopSilenceTimerLocked() {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
}

func (s *Session) monitorTimerDone() {
	s.mu.Lock()
	defer s.unlock()
	if s.monitorSilence {
		s.emitLocked(Event{Kind: EventSilence})
		s.emitLocked(Event{Kind: EventStateChanged, State: emulation.StateSilence})
	} else {
		s.emitLocked(Event{Kind: EventStateChanged, State: emulation.StateNormal})
	}
	s.notifiedActivity = false
}
