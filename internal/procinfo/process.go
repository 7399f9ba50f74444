// Package procinfo reads the name, working directory and owner of a process
// from procfs so sessions can label themselves after what is running in them.
package procinfo

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Process is a cached view of one process. Accessors return the values read
// by the last Update.
type Process struct {
	fs    procfs.FS
	hasFS bool
	pid   int

	valid    bool
	name     string
	nameOK   bool
	cwd      string
	cwdOK    bool
	lastDir  string
	user     string
	userOK   bool
	wantUser bool
	homeDir  string
}

// New returns process info for pid using the default /proc mount. The
// returned value is never nil; IsValid reports whether pid was readable.
func New(pid int) *Process {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return &Process{pid: pid}
	}
	return NewWithFS(fs, pid)
}

// NewWithFS returns process info for pid read from fs.
func NewWithFS(fs procfs.FS, pid int) *Process {
	p := &Process{fs: fs, hasFS: true, pid: pid}
	p.Update()
	return p
}

// Update re-reads the process.
func (p *Process) Update() {
	p.valid, p.nameOK, p.cwdOK = false, false, false
	if p.pid <= 0 || !p.hasFS {
		return
	}
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		return
	}
	p.valid = true

	if name, err := proc.Comm(); err == nil {
		p.name, p.nameOK = name, true
	}
	if cwd, err := proc.Cwd(); err == nil {
		p.cwd, p.cwdOK = cwd, true
		p.lastDir = cwd
	}
	if p.wantUser {
		p.readUser(proc)
	}
}

func (p *Process) readUser(proc procfs.Proc) {
	status, err := proc.NewStatus()
	if err != nil {
		p.userOK = false
		return
	}
	uid := strconv.FormatUint(status.UIDs[0], 10)
	if u, err := user.LookupId(uid); err == nil {
		p.user = u.Username
	} else {
		p.user = uid
	}
	p.userOK = true
}

// Pid returns the process id this info was built for.
func (p *Process) Pid() (int, bool) {
	return p.pid, p.valid
}

// IsValid reports whether the last Update could read the process.
func (p *Process) IsValid() bool {
	return p.valid
}

// Name returns the short command name.
func (p *Process) Name() (string, bool) {
	return p.name, p.nameOK
}

// CurrentDir returns the working directory read by the last Update.
func (p *Process) CurrentDir() (string, bool) {
	return p.cwd, p.cwdOK
}

// ValidCurrentDir returns the working directory, falling back to the last
// one that could be read.
func (p *Process) ValidCurrentDir() string {
	if p.cwdOK {
		return p.cwd
	}
	return p.lastDir
}

// UserName returns the owner of the process. Only populated after
// SetUserNameRequired(true).
func (p *Process) UserName() (string, bool) {
	return p.user, p.userOK
}

// SetUserNameRequired controls whether Update resolves the process owner.
func (p *Process) SetUserNameRequired(required bool) {
	p.wantUser = required
}

// SetUserHomeDir records the home directory used to abbreviate paths.
func (p *Process) SetUserHomeDir() {
	if home, err := os.UserHomeDir(); err == nil {
		p.homeDir = home
	}
}

// Format expands a title template: %n name, %d last directory component,
// %D full directory, %u user name, %% a literal percent.
func (p *Process) Format(template string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i+1 == len(template) {
			b.WriteByte(c)
			continue
		}
		i++
		switch template[i] {
		case 'n':
			b.WriteString(p.name)
		case 'd':
			b.WriteString(p.shortDir())
		case 'D':
			b.WriteString(p.abbreviate(p.ValidCurrentDir()))
		case 'u':
			b.WriteString(p.user)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(template[i])
		}
	}
	return b.String()
}

func (p *Process) shortDir() string {
	dir := p.ValidCurrentDir()
	if dir == "" {
		return ""
	}
	if p.homeDir != "" && dir == p.homeDir {
		return "~"
	}
	return filepath.Base(dir)
}

func (p *Process) abbreviate(dir string) string {
	if p.homeDir == "" || dir == "" {
		return dir
	}
	if dir == p.homeDir {
		return "~"
	}
	if strings.HasPrefix(dir, p.homeDir+string(filepath.Separator)) {
		return "~" + dir[len(p.homeDir):]
	}
	return dir
}

func (p *Process) String() string {
	return fmt.Sprintf("process(%d %s)", p.pid, p.name)
}
