package persist

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces bursts of filesystem events per key.
const WatchDebounce = 50 * time.Millisecond

// Watch calls fn with the key name of every document written under the
// store directory, including writes from other processes, until ctx ends.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	if s.log != nil {
		s.log.Debug("state watch started")
	}
	go func() {
		defer watcher.Close()
		pending := make(map[string]struct{})
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				key, ok := keyFromPath(event.Name)
				// An atomic save shows up as Create on the final name.
				if !ok || !event.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				if len(pending) == 0 {
					timer.Reset(WatchDebounce)
				}
				pending[key] = struct{}{}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if s.log != nil {
					s.log.Warn("state watch error", "err", err)
				}
			case <-timer.C:
				for key := range pending {
					fn(key)
				}
				clear(pending)
			}
		}
	}()
	return nil
}

func keyFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, tempPrefix) {
		return "", false
	}
	key, ok := strings.CutSuffix(base, ".json")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
