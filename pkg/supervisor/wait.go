package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

var errWaitTimeout = errors.New("timed out")

// waitFor blocks until ready returns true, ctx is done or timeout elapses.
// ready is re-evaluated on every filesystem event in the directory of path
// and on every poll tick, since some filesystems (and daemons writing
// through another mount namespace) do not deliver inotify events.
func waitFor(ctx context.Context, path string, timeout, poll time.Duration, ready func() bool) error {
	if ready() {
		return nil
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(path)); werr == nil {
			events = watcher.Events
		}
	}

	// Re-check after arming the watch so a write in between is not missed.
	if ready() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if ready() {
				return nil
			}
			return fmt.Errorf("%w after %s waiting for %s", errWaitTimeout, timeout, path)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != path {
				continue
			}
		case <-ticker.C:
		}
		if ready() {
			return nil
		}
	}
}
