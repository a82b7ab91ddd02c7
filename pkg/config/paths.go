// Package config implements the finit directive grammar: a
// line-oriented parser for service/task/run/inetd stanzas plus the runtime
// path layout the rest of the supervisor reads and writes under /run.
//
// Configuration file parsing (grammar, includes, runlevel syntax) is treated
// as an external collaborator the core state machine does not implement.
// This package is that collaborator, grounded on original_source/src/service.c's
// service_register (the directive grammar itself) and on
// sunlightlinux-slinit's pkg/config package (settings registry, ParseError carrying file/line/
// service, line-oriented Parse loop) — retargeted from dinit's `key = value`
// settings syntax to finit's positional-token directive syntax.
package config

import (
	"path/filepath"

	"github.com/sunlightlinux/finitd/internal/util"
)

// RuntimePaths is the /run/finitd layout every other package that touches
// the filesystem is handed explicitly, grounded on
// internal/util/paths.go (CombinePaths/ParentPath) but gathered into one
// struct instead of loose helper functions, so tests can point the whole
// supervisor at a temporary directory with one override.
type RuntimePaths struct {
	// Root is the runtime directory, e.g. /run/finitd.
	Root string
}

// DefaultRuntimePaths returns the standard /run/finitd layout.
func DefaultRuntimePaths() RuntimePaths {
	return RuntimePaths{Root: "/run/finitd"}
}

// NewRuntimePaths roots the layout at an arbitrary directory, used by tests
// to avoid touching the real /run.
func NewRuntimePaths(root string) RuntimePaths {
	return RuntimePaths{Root: root}
}

// CondDir is the directory the condition store's filesystem shadow mirrors
// its state under (<Root>/cond, e.g. "/run/finitd/cond").
func (p RuntimePaths) CondDir() string { return filepath.Join(p.Root, "cond") }

// ReconfPath is the target of the flux symlinks the shadow writes.
func (p RuntimePaths) ReconfPath() string { return filepath.Join(p.Root, "reconf") }

// SockPath is the control socket path (<Root>/finitd.sock, e.g.
// "/run/finitd/finitd.sock").
func (p RuntimePaths) SockPath() string { return filepath.Join(p.Root, "finitd.sock") }

// PidFile returns the default pid-file path for a daemon named name, used
// when a service declares no explicit pid: modifier ("each
// service declares (or inherits by convention /run/<name>.pid) a pid-file").
func (p RuntimePaths) PidFile(name string) string {
	return util.CombinePaths(util.ParentPath(p.Root), name+".pid")
}
