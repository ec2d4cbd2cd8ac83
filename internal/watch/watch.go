// Package watch wakes the scheduler when marker artifacts appear on disk.
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Notifier watches the directories that will hold marker artifacts and
// signals C whenever something changes in them.
//
// Artifacts usually do not exist yet when they are registered, and neither
// may their parent directory, so the nearest existing ancestor is watched
// and the watch is moved down as directories get created.
type Notifier struct {
	w *fsnotify.Watcher

	mu     sync.Mutex
	wanted map[string]struct{}
	dirs   map[string]struct{}

	c    chan struct{}
	done chan struct{}
}

// New starts a notifier. Close must be called to release the watcher.
func New() (*Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting file watcher: %w", err)
	}
	n := &Notifier{
		w:      w,
		wanted: map[string]struct{}{},
		dirs:   map[string]struct{}{},
		c:      make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

// C receives a value after any change below a watched directory. Wake-ups
// coalesce: a pending one is never duplicated.
func (n *Notifier) C() <-chan struct{} { return n.c }

// Watch registers an artifact path.
func (n *Notifier) Watch(path string) error {
	path = filepath.Clean(path)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wanted[path] = struct{}{}
	return n.watchAncestorLocked(path)
}

// Forget drops an artifact path that is no longer of interest.
func (n *Notifier) Forget(path string) {
	n.mu.Lock()
	delete(n.wanted, filepath.Clean(path))
	n.mu.Unlock()
}

func (n *Notifier) Close() error {
	err := n.w.Close()
	<-n.done
	return err
}

func (n *Notifier) watchAncestorLocked(path string) error {
	for {
		dir := nearestExistingDir(filepath.Dir(path))
		if dir == "" {
			return fmt.Errorf("no existing ancestor for %s", path)
		}
		if _, ok := n.dirs[dir]; ok {
			return nil
		}
		if err := n.w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		n.dirs[dir] = struct{}{}
		// A deeper directory may have been created before the watch was in
		// place; look again.
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for {
		select {
		case ev, ok := <-n.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					n.descend()
				}
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				n.mu.Lock()
				delete(n.dirs, filepath.Clean(ev.Name))
				n.mu.Unlock()
			}
			n.wake()
		case _, ok := <-n.w.Errors:
			if !ok {
				return
			}
			// Overflow or watch loss: the scheduler poll covers it, just wake.
			n.wake()
		}
	}
}

// descend moves watches closer to the wanted artifacts after a directory
// was created.
func (n *Notifier) descend() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for p := range n.wanted {
		_ = n.watchAncestorLocked(p)
	}
}

func (n *Notifier) wake() {
	select {
	case n.c <- struct{}{}:
	default:
	}
}

func nearestExistingDir(dir string) string {
	for {
		fi, err := os.Stat(dir)
		if err == nil && fi.IsDir() {
			return dir
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
