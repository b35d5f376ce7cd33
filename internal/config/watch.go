package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "campaignd/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffMin  = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validatorTimeout = 5 * time.Second
)

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that replace the file by rename are seen. Bursts of
// events are debounced. A broken watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	trigger := make(chan struct{}, 1)
	debounced := make(chan struct{})
	go func() {
		defer close(debounced)
		m.debounceLoop(ctx, trigger)
	}()
	defer func() { <-debounced }()

	backoff := watchBackoffMin
	for ctx.Err() == nil {
		healthy := m.watchOnce(ctx, dir, name, trigger)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			backoff = watchBackoffMin
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. It
// reports whether the watcher got as far as delivering events.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, name string, trigger chan<- struct{}) bool {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
		return false
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		m.log.Warn("config watch add failed", logx.String("dir", dir), logx.Err(err))
		return false
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == fsnotify.ErrEventOverflow {
				// events were missed; reload once to catch up
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				poke()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}

// debounceLoop reloads once per quiet period after the last trigger.
func (m *ConfigManager) debounceLoop(ctx context.Context, trigger <-chan struct{}) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			t.Reset(reloadDebounce)
		case <-t.C:
			vctx, cancel := context.WithTimeout(ctx, validatorTimeout)
			m.reload(vctx)
			cancel()
		}
	}
}
