// Package watcher turns raw fsnotify events into debounced change
// notifications. One Watcher serves one supervisor: events on any of its
// paths within the debounce window coalesce into a single emission.
package watcher

import (
	"fmt"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the coalescing window applied when the caller passes 0.
const DefaultDebounce = 500 * time.Millisecond

// WatchError reports a failure to establish a watch. It disables the watch
// trigger for the owning supervisor but never crashes the core.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string { return fmt.Sprintf("watch %s: %v", e.Path, e.Err) }

func (e *WatchError) Unwrap() error { return e.Err }

// Event is one debounced change notification covering every path that changed
// within the window.
type Event struct {
	Paths []string
	At    time.Time
}

type Watcher struct {
	fw       *fsnotify.Watcher
	debounce time.Duration
	events   chan Event
	quit     chan struct{}
}

// New establishes watches on all paths. debounce <= 0 selects DefaultDebounce.
func New(paths []string, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &WatchError{Err: err}
	}
	for _, p := range paths {
		if err := fw.Add(p); err != nil {
			_ = fw.Close()
			return nil, &WatchError{Path: p, Err: err}
		}
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{fw: fw, debounce: debounce, events: make(chan Event, 1), quit: make(chan struct{})}
	go w.run()
	return w, nil
}

// Events yields debounced change events. The channel is closed by Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close tears down the underlying watches and closes the event channel.
func (w *Watcher) Close() error {
	close(w.quit)
	return w.fw.Close()
}

func (w *Watcher) run() {
	defer close(w.events)
	var (
		pending map[string]struct{}
		timer   *time.Timer
		fire    <-chan time.Time
	)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = make(map[string]struct{})
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
			pending[ev.Name] = struct{}{}
		case <-fire:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending, timer, fire = nil, nil, nil
			select {
			case w.events <- Event{Paths: paths, At: time.Now()}:
			case <-w.quit:
				return
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			// transient inotify errors are not actionable here; the watch
			// stays up and the next event still fires
		case <-w.quit:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
