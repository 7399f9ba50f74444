package session

// ForegroundProcessID returns the pid of the process the session reports
// on: the foreground job when one is active, otherwise the session's own
// child. It returns -1 when unknown.
func (s *Session) ForegroundProcessID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid, ok := s.processInfoLocked().Pid(); ok {
		return pid
	}
	return -1
}

// ForegroundProcessName returns the name of the foreground process group
// leader, or "" when it cannot be read.
func (s *Session) ForegroundProcessName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.updateForegroundInfoLocked() {
		return ""
	}
	name, ok := s.foregroundInfo.Name()
	if !ok {
		return ""
	}
	return name
}

// DynamicProcessName returns the name of the process the user is
// interacting with, falling back to $SHELL.
func (s *Session) DynamicProcessName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dynamicProcessNameLocked()
}

func (s *Session) dynamicProcessNameLocked() string {
	if name, ok := s.processInfoLocked().Name(); ok {
		return name
	}
	return s.getenv("SHELL")
}

// DynamicProcessID returns the foreground job's pid, or 0 while the
// session's own child holds the terminal.
func (s *Session) DynamicProcessID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.processInfoLocked().Pid()
	if ok && s.foregroundActiveLocked() {
		return pid
	}
	return 0
}

// IsForegroundProcessActive reports whether a job other than the
// session's own child holds the terminal.
func (s *Session) IsForegroundProcessActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foregroundActiveLocked()
}

func (s *Session) foregroundActiveLocked() bool {
	return s.transport.Pid() != s.transport.ForegroundProcessGroup()
}

// UpdateWorkingDirectory re-reads the child's directory and reports a
// change.
func (s *Session) UpdateWorkingDirectory() {
	s.mu.Lock()
	defer s.unlock()
	s.updateSessionInfoLocked()
	dir := s.sessionInfo.ValidCurrentDir()
	if dir != s.currentDir {
		s.currentDir = dir
		s.emitLocked(Event{Kind: EventCurrentDirectoryChanged, Text: dir})
	}
}

// CurrentWorkingDirectory returns the directory last seen by
// UpdateWorkingDirectory.
func (s *Session) CurrentWorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDir
}

// processInfoLocked picks the foreground job's info when it is active and
// readable, else the session child's.
func (s *Session) processInfoLocked() ProcessInfo {
	if s.foregroundActiveLocked() && s.updateForegroundInfoLocked() {
		return s.foregroundInfo
	}
	s.updateSessionInfoLocked()
	return s.sessionInfo
}

// updateSessionInfoLocked rebuilds the child's info only when its pid
// changed, then refreshes it.
func (s *Session) updateSessionInfoLocked() {
	pid := s.transport.Pid()
	stale := s.sessionInfo == nil
	if !stale && pid != 0 {
		cur, ok := s.sessionInfo.Pid()
		stale = !ok || cur != pid
	}
	if stale {
		s.sessionInfo = s.newInfo(pid)
		s.sessionInfo.SetUserNameRequired(containsUserPlaceholder(s.localTabFormat))
		s.sessionInfo.SetUserHomeDir()
	}
	s.sessionInfo.Update()
}

// updateForegroundInfoLocked tracks the foreground group and reports
// whether its info is valid.
func (s *Session) updateForegroundInfoLocked() bool {
	pid := s.transport.ForegroundProcessGroup()
	if pid != s.foregroundPid || s.foregroundInfo == nil {
		s.foregroundInfo = s.newInfo(pid)
		s.foregroundInfo.SetUserNameRequired(containsUserPlaceholder(s.localTabFormat))
		s.foregroundPid = pid
	}
	s.foregroundInfo.Update()
	return s.foregroundInfo.IsValid()
}
