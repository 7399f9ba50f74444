package session

import (
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strings"
)

// resolveProgram picks the executable Run starts. An absolute or empty
// program that does not exist falls back to $SHELL, then to fallback. Any
// other name is looked up in PATH.
func resolveProgram(program string, getenv func(string) string, fallback string) string {
	if program != "" && !strings.HasPrefix(program, "/") {
		if path, err := exec.LookPath(program); err == nil {
			return path
		}
		return program
	}

	if program == "" || !exists(program) {
		program = getenv("SHELL")
	}
	if program == "" || !exists(program) {
		program = fallback
	}
	return program
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hasArguments reports whether args carries anything but blanks.
func hasArguments(args []string) bool {
	return strings.TrimSpace(strings.Join(args, " ")) != ""
}

// expand substitutes $VAR and ${VAR} using getenv.
func expand(s string, getenv func(string) string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, getenv)
}

// childEnvironment builds the child's environment: base, then extra, then
// the COLORFGBG background hint. Later entries replace earlier ones with
// the same key.
func childEnvironment(base, extra []string, darkBackground bool) []string {
	hint := "COLORFGBG=0;15"
	if darkBackground {
		hint = "COLORFGBG=15;0"
	}

	index := make(map[string]int, len(base)+len(extra)+1)
	env := make([]string, 0, len(base)+len(extra)+1)
	add := func(kv string) {
		key, _, _ := strings.Cut(kv, "=")
		if key == "" {
			return
		}
		if i, ok := index[key]; ok {
			env[i] = kv
			return
		}
		index[key] = len(env)
		env = append(env, kv)
	}
	for _, kv := range base {
		add(kv)
	}
	for _, kv := range extra {
		add(kv)
	}
	add(hint)
	return env
}

// defaultShell returns the user's shell, or the first common shell found.
func defaultShell() string {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return "/bin/sh"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, shell := range []string{"bash", "zsh", "sh"} {
		if path, err := exec.LookPath(shell); err == nil {
			return path
		}
	}
	return "/bin/sh"
}

// homeDir returns the user's home directory.
func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return "."
}

// termEnv returns the variables every child gets regardless of profile.
func termEnv(term string) []string {
	if term == "" {
		term = "xterm-256color"
	}
	return []string{"TERM=" + term}
}
