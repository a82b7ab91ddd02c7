package process

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PidEventKind classifies a pid-file directory event.
type PidEventKind uint8

const (
	PidFileCreated PidEventKind = iota
	PidFileWritten
	PidFileRemoved
)

// PidEvent is a single pid-file change, translated from an inotify event on
// the pid file's parent directory into the file it concerns.
type PidEvent struct {
	Kind PidEventKind
	Name string // basename of the pid file, e.g. "sshd.pid"
}

// PidWatcher watches one or more directories for pid-file create/write/
// remove activity and feeds them to the Events channel, which the event
// loop drains on every turn to translate into pid/<name> condition
// transitions. Grounded on diamondburned-cronmon's
// cronmon/watcher.go "status directory" watcher, adapted from a single
// fixed directory to a set of directories (finit services may each name an
// arbitrary pid file path) and from a translate-to-struct function to a
// method so PidWatcher owns its own fsnotify.Watcher lifecycle.
type PidWatcher struct {
	Events chan PidEvent
	Errors chan error

	w *fsnotify.Watcher
	dirs map[string]bool
}

// NewPidWatcher creates a watcher with no directories yet registered.
func NewPidWatcher() (*PidWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating pid-file watcher: %w", err)
	}
	return &PidWatcher{
		Events: make(chan PidEvent, 16),
		Errors: make(chan error, 1),
		w: w,
		dirs: make(map[string]bool),
	}, nil
}

// WatchFile arranges for changes to path's basename to be reported. Since
// inotify watches directories, not individual files, WatchFile adds the
// containing directory once and Run forwards every event in it; filtering
// down to the basenames callers asked about is left to the consumer of
// Events (the event loop ignores names it does not know). Callers that
// call WatchFile for every pid path in the same directory share a single
// inotify watch.
func (p *PidWatcher) WatchFile(path string) error {
	dir := filepath.Dir(path)
	if p.dirs[dir] {
		return nil
	}
	if err := p.w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	p.dirs[dir] = true
	return nil
}

// Run drains the underlying fsnotify watcher until Close is called,
// publishing translated events to Events. Intended to run in its own
// goroutine; the only goroutine besides the event loop allowed to touch
// shared state, and it touches none — it only posts to channels the event
// loop reads.
func (p *PidWatcher) Run() {
	for {
		select {
		case evt, ok := <-p.w.Events:
			if !ok {
				return
			}
			if pe, ok := translatePidEvent(evt); ok {
				p.Events <- pe
			}
		case err, ok := <-p.w.Errors:
			if !ok {
				return
			}
			select {
			case p.Errors <- err:
			default:
			}
		}
	}
}

// Close stops the watcher and its Run goroutine.
func (p *PidWatcher) Close() error {
	return p.w.Close()
}

func translatePidEvent(evt fsnotify.Event) (PidEvent, bool) {
	name := filepath.Base(evt.Name)
	switch {
	case evt.Op&fsnotify.Create != 0:
		return PidEvent{Kind: PidFileCreated, Name: name}, true
	case evt.Op&fsnotify.Write != 0:
		return PidEvent{Kind: PidFileWritten, Name: name}, true
	case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename is treated as a remove: fsnotify does not reliably
		// report the rename's destination half on Linux.
		return PidEvent{Kind: PidFileRemoved, Name: name}, true
	}
	return PidEvent{}, false
}
