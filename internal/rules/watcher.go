package rules

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor save-bursts before triggering an out-of-cycle
// reload check.
const debounce = 200 * time.Millisecond

// Watcher observes a directory (the rule dir, or the config file's dir)
// and triggers an out-of-cycle check via onChange whenever the filesystem
// reports activity under it.
// This is a responsiveness optimization layered on top of the mandatory
// periodic check_and_reload poll (see Loader.CheckAndReload); it is never
// the sole correctness guarantee, since the underlying fsnotify watch can
// be silently absent on unsupported platforms or exhausted file-descriptor
// budgets.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a Watcher rooted at dir. onChange is invoked (from the
// watcher's own goroutine) after each debounce window following file
// activity under dir.
func NewWatcher(dir string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func()) {
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			slog.Debug("rule directory activity", "path", filepath.Clean(event.Name), "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("rule directory watch error", "error", err)
		case <-timerCh:
			timerCh = nil
			onChange()
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
