package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// QuotaWatcher monitors the configured quota file and invokes the supplied
// callback with the merged service table whenever definitions change. Stop
// must be called to release filesystem resources.
type QuotaWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *QuotaWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchQuotas wires fsnotify around the configured quota file and re-layers
// the service table on any relevant change. The provided config should come
// from Loader.Load so InlineServices is already captured.
func (l *Loader) WatchQuotas(ctx context.Context, cfg Config, onChange func(map[string]ServiceQuotaConfig), onError func(error)) (*QuotaWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch quotas requires a change callback")
	}
	quotaFile := cfg.Server.RateLimit.QuotaFile
	if quotaFile == "" {
		return nil, fmt.Errorf("config: no quota file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch quotas: %w", err)
	}

	inline := cloneServiceMap(cfg.InlineServices)

	target := quotaFile
	if abs, absErr := filepath.Abs(quotaFile); absErr == nil {
		target = abs
	}
	target = filepath.Clean(target)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch quotas close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	merged, err := loadQuotaFile(target, inline)
	if err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch quotas close: %w", closeErr))
		}
		return nil, err
	}
	onChange(merged)

	done := make(chan struct{})
	w := &QuotaWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch quotas close: %w", err))
			}
		}()

		reload := func() {
			merged, err := loadQuotaFile(target, inline)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(merged)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if onError != nil {
						onError(fmt.Errorf("config: quota file %s removed", target))
					}
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					scheduleReload()
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if watchErr != nil && onError != nil {
					onError(fmt.Errorf("config: watch quotas: %w", watchErr))
				}
			}
		}
	}()

	return w, nil
}
