package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultDebounce coalesces the burst of events editors emit on save
const DefaultDebounce = 200 * time.Millisecond

// WatchEvent reports that the watched file changed, or a watcher error
type WatchEvent struct {
	Path string
	Err  error
}

// WatchCleanupFunc stops a watch and waits for its goroutine to exit
type WatchCleanupFunc func() error

// Watch reports changes to path. The parent directory is watched so that
// atomic replace-by-rename saves are seen too. The channel is closed by cleanup.
func Watch(ctx context.Context, path string, debounce time.Duration) (<-chan WatchEvent, WatchCleanupFunc, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ch := make(chan WatchEvent, 10)
	sctx := stopper.WithContext(ctx)

	var (
		mu        sync.Mutex
		closed    bool
		debouncer *time.Timer
	)

	// send never blocks and never writes after the channel is closed
	send := func(ev WatchEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}

	sctx.Defer(func() {
		_ = watcher.Close()
		mu.Lock()
		if debouncer != nil {
			debouncer.Stop()
		}
		closed = true
		close(ch)
		mu.Unlock()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, func() {
					send(WatchEvent{Path: path})
				})
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil {
					send(WatchEvent{Path: path, Err: err})
				}
			}
		}
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return ch, cleanup, nil
}
