package redraw

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Quirks is the byte-level profile of how one shell redraws its input line
// after a resize, and what the engine sends to make it redraw cleanly.
type Quirks struct {
	Name string

	// Terminator ends every block the shell emits for a redraw step.
	Terminator []byte
	// ClearLine is the shell's return-and-erase-line sequence.
	ClearLine []byte
	// ExtraLine clears one more row above the cursor.
	ExtraLine []byte
	// MalformedRepeat is emitted right after ClearLine when the shell
	// miscounts rows; it is collapsed away.
	MalformedRepeat []byte
	// BuggyReturn is removed from redraw blocks outright.
	BuggyReturn []byte
	// TrailingSpace at the end of a block marks a prompt padded by one cell.
	TrailingSpace []byte
	// SyntheticClear replaces the line kill echo before it reaches the decoder.
	SyntheticClear []byte
	// EchoMarkers identify the shell's echo of the line kill.
	EchoMarkers [][]byte
	// ReturnPrefixes are the forms a fresh prompt may start with.
	ReturnPrefixes [][]byte

	Interrupt []byte
	Return    []byte
}

// Bash returns the profile for GNU bash with readline.
func Bash() *Quirks {
	return &Quirks{
		Name:            "bash",
		Terminator:      []byte("\a"),
		ClearLine:       []byte("\r\x1b[K"),
		ExtraLine:       []byte("\x1b[1A\r\x1b[K"),
		MalformedRepeat: []byte("\x1b[A"),
		BuggyReturn:     []byte("\r\n\r"),
		TrailingSpace:   []byte(" \r"),
		SyntheticClear:  []byte("\r\x1b[K\x1b[A\a"),
		EchoMarkers: [][]byte{
			[]byte("\x1b[C"),
			[]byte("\x1b[K"),
		},
		ReturnPrefixes: [][]byte{
			[]byte("\r\n"),
			[]byte("\a\r\n"),
			[]byte("\x1b[A\r\n"),
		},
		Interrupt: []byte("\x15"),
		Return:    []byte("\r"),
	}
}

// Registry maps shell names to quirk profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Quirks
}

// NewRegistry returns a registry holding the given profiles.
func NewRegistry(profiles ...*Quirks) *Registry {
	r := &Registry{profiles: make(map[string]*Quirks)}
	for _, q := range profiles {
		r.Register(q)
	}
	return r
}

// DefaultRegistry returns a registry with the built-in profiles.
func DefaultRegistry() *Registry {
	return NewRegistry(Bash())
}

// Register adds or replaces the profile for q.Name.
func (r *Registry) Register(q *Quirks) {
	if q == nil || q.Name == "" {
		return
	}
	r.mu.Lock()
	r.profiles[q.Name] = q
	r.mu.Unlock()
}

// Lookup finds the profile for a process name. Paths and the leading dash of
// login shells are ignored, so "/bin/bash" and "-bash" both match "bash".
func (r *Registry) Lookup(process string) (*Quirks, bool) {
	name := ShellName(process)
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.profiles[name]
	return q, ok
}

// Names returns the registered profile names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ShellName reduces a process name or path to the bare shell name.
func ShellName(process string) string {
	name := filepath.Base(strings.TrimSpace(process))
	name = strings.TrimPrefix(name, "-")
	if name == "." || name == "/" {
		return ""
	}
	return name
}
