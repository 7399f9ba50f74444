package session

import "slices"

// View is a display attached to a session. Views are not owned by the
// session; removing the last one closes it.
type View interface {
	Lines() int
	Columns() int
	IsHidden() bool
}

const viewColumnsThreshold = 2

// AddView attaches a view. Adding a view twice has no effect.
func (s *Session) AddView(v View) {
	s.mu.Lock()
	defer s.unlock()
	if slices.Contains(s.views, v) {
		return
	}
	s.views = append(s.views, v)
}

// RemoveView detaches a view. When no views remain the session is closed.
func (s *Session) RemoveView(v View) {
	s.mu.Lock()
	i := slices.Index(s.views, v)
	if i < 0 {
		s.unlock()
		return
	}
	s.views = slices.Delete(s.views, i, i+1)
	last := len(s.views) == 0
	s.unlock()

	if last {
		s.Close()
	}
}

// Views returns the attached views.
func (s *Session) Views() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.views)
}

// OnViewSizeChange is called by a view that now has lines x columns of room.
// The terminal takes the smallest size among the visible views.
func (s *Session) OnViewSizeChange(lines, columns int) {
	s.mu.Lock()
	defer s.unlock()
	s.updateTerminalSizeLocked(lines, columns)
}

func (s *Session) updateTerminalSizeLocked(lines, columns int) {
	// A view reporting a single row or column is usually still being laid
	// out; it must not pin every other view to one cell.
	linesThreshold := 1
	if lines == 1 || columns == 1 {
		linesThreshold = 2
	}

	minLines, minColumns := -1, -1
	for _, v := range s.views {
		if v.IsHidden() || v.Lines() < linesThreshold || v.Columns() < viewColumnsThreshold {
			continue
		}
		if minLines == -1 || v.Lines() < minLines {
			minLines = v.Lines()
		}
		if minColumns == -1 || v.Columns() < minColumns {
			minColumns = v.Columns()
		}
	}

	if minLines > 0 && minColumns > 0 {
		s.setWindowSizeLocked(minLines, minColumns)
	}
}

// SetSize asks the views to resize to rows x cols. Degenerate sizes are
// ignored.
func (s *Session) SetSize(rows, cols int) {
	s.mu.Lock()
	defer s.unlock()
	s.setSizeLocked(rows, cols)
}

func (s *Session) setSizeLocked(rows, cols int) {
	if rows <= 1 || cols <= 1 {
		return
	}
	s.emitLocked(Event{Kind: EventResizeRequest, Rows: rows, Cols: cols})
}

// Size returns the decoder's image size.
func (s *Session) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.ImageSize()
}
