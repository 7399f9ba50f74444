package session

import (
	"cmp"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/entl/termcore/internal/logging"
)

// MasterMode is a bitmask of group behaviours.
type MasterMode int

const (
	// CopyInputToAll copies input typed into a master to every other
	// session in the group.
	CopyInputToAll MasterMode = 1 << iota
)

// Link is an active input copy from a master to a follower.
type Link struct {
	Master   int
	Follower int
}

type edge struct {
	master, follower *Session
}

// Group relates sessions so that input typed into a master is copied to the
// others. The active links are recomputed from the members, their master
// status and the mode after every change.
type Group struct {
	logger *zap.Logger

	mu      sync.Mutex
	order   []*Session
	masters map[*Session]bool
	mode    MasterMode
	links   map[edge]bool
}

// NewGroup returns an empty group with no mode bits set.
func NewGroup(logger *zap.Logger) *Group {
	return &Group{
		logger:  logging.OrNop(logger).Named("group"),
		masters: make(map[*Session]bool),
		links:   make(map[edge]bool),
	}
}

// AddSession adds s as a follower of every current master.
func (g *Group) AddSession(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.masters[s]; ok {
		return
	}
	g.order = append(g.order, s)
	g.masters[s] = false
	g.syncLocked()
}

// RemoveSession removes s and every link it took part in.
func (g *Group) RemoveSession(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.masters[s]; !ok {
		return
	}
	delete(g.masters, s)
	g.order = slices.DeleteFunc(g.order, func(o *Session) bool { return o == s })
	g.syncLocked()
}

// SetMasterStatus promotes or demotes a member.
func (g *Group) SetMasterStatus(s *Session, master bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.masters[s]
	if !ok || cur == master {
		return
	}
	g.masters[s] = master
	g.syncLocked()
}

// MasterStatus reports whether s is a master.
func (g *Group) MasterStatus(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.masters[s]
}

// SetMasterMode replaces the mode bits and rebuilds the links.
func (g *Group) SetMasterMode(mode MasterMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
	g.syncLocked()
}

// MasterMode returns the mode bits.
func (g *Group) MasterMode() MasterMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Sessions returns the members in insertion order.
func (g *Group) Sessions() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.order)
}

// Masters returns the master members in insertion order.
func (g *Group) Masters() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Session
	for _, s := range g.order {
		if g.masters[s] {
			out = append(out, s)
		}
	}
	return out
}

// Links returns the active links ordered by master then follower id.
func (g *Group) Links() []Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Link, 0, len(g.links))
	for e := range g.links {
		out = append(out, Link{Master: e.master.ID(), Follower: e.follower.ID()})
	}
	slices.SortFunc(out, func(a, b Link) int {
		if c := cmp.Compare(a.Master, b.Master); c != 0 {
			return c
		}
		return cmp.Compare(a.Follower, b.Follower)
	})
	return out
}

// Close tears down every link. Members stay in the group.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for e := range g.links {
		e.master.detachFollower(e.follower)
		delete(g.links, e)
	}
}

// syncLocked diffs the desired link set against the active one.
func (g *Group) syncLocked() {
	desired := make(map[edge]bool)
	if g.mode&CopyInputToAll != 0 {
		for _, m := range g.order {
			if !g.masters[m] {
				continue
			}
			for _, o := range g.order {
				if o != m {
					desired[edge{m, o}] = true
				}
			}
		}
	}

	for e := range g.links {
		if !desired[e] {
			e.master.detachFollower(e.follower)
			delete(g.links, e)
			g.logger.Debug("link removed",
				zap.Int("master", e.master.ID()),
				zap.Int("follower", e.follower.ID()))
		}
	}
	for e := range desired {
		if !g.links[e] {
			e.master.attachFollower(e.follower)
			g.links[e] = true
			g.logger.Debug("link added",
				zap.Int("master", e.master.ID()),
				zap.Int("follower", e.follower.ID()))
		}
	}
}

func (s *Session) attachFollower(f *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.followers, f) {
		s.followers = append(s.followers, f)
	}
}

func (s *Session) detachFollower(f *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followers = slices.DeleteFunc(s.followers, func(o *Session) bool { return o == f })
}

// Followers returns the sessions that currently receive this session's
// input.
func (s *Session) Followers() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.followers)
}

// forwardLocked copies typed input to the followers once the lock is
// released.
func (s *Session) forwardLocked(data []byte) {
	for _, f := range s.followers {
		s.afterLocked(func() { f.receiveForwarded(data) })
	}
}

// receiveForwarded writes input copied from a master. It goes straight to
// the transport so it is never copied on again.
func (s *Session) receiveForwarded(data []byte) {
	s.mu.Lock()
	defer s.unlock()
	if s.emptyPTY {
		return
	}
	s.abortRedrawLocked()
	if err := s.transport.Send(data, true); err != nil {
		s.logger.Debug("forwarded send failed", zap.Error(err))
	}
}
