package redraw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellName(t *testing.T) {
	tests := map[string]string{
		"bash":          "bash",
		"/bin/bash":     "bash",
		"-bash":         "bash",
		" /usr/bin/zsh": "zsh",
		"":              "",
		"/":             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShellName(in), "ShellName(%q)", in)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	q, ok := r.Lookup("/bin/bash")
	require.True(t, ok)
	assert.Equal(t, "bash", q.Name)
	assert.Equal(t, []byte("\x15"), q.Interrupt)

	_, ok = r.Lookup("fish")
	assert.False(t, ok)
	_, ok = r.Lookup("")
	assert.False(t, ok)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Names())

	zsh := Bash()
	zsh.Name = "zsh"
	r.Register(zsh)
	r.Register(Bash())
	r.Register(nil)
	r.Register(&Quirks{})

	assert.Equal(t, []string{"bash", "zsh"}, r.Names())

	e := NewEngine(WithRegistry(r))
	assert.True(t, e.Supports("zsh"))
	assert.False(t, NewEngine(WithRegistry(nil)).Supports("bash"))
}
