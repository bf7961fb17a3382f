package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/ratelimit"
)

// debounceWindow coalesces the event bursts editors produce when saving.
const debounceWindow = 100 * time.Millisecond

// Watcher re-reads the configuration file when it changes and pushes
// changed source policies into the live limiter registry. Workers pick
// up the new budgets without a restart; everything else in the file
// takes effect on the next engine start.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	limiters *ratelimit.Registry
	log      *logrus.Logger

	reloads chan *EngineConfig

	ctx    context.Context
	cancel context.CancelFunc

	debounceMu sync.Mutex
	debounce   *time.Timer

	stopOnce sync.Once
}

// NewWatcher starts watching the config file at path. The parent
// directory is watched rather than the file itself so rename-and-replace
// saves keep working.
func NewWatcher(path string, limiters *ratelimit.Registry, logger *logrus.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher needs a file path")
	}
	if limiters == nil {
		return nil, fmt.Errorf("config watcher needs a limiter registry")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     abs,
		watcher:  fsw,
		limiters: limiters,
		log:      logger,
		reloads:  make(chan *EngineConfig, 4),
		ctx:      ctx,
		cancel:   cancel,
	}

	go w.eventLoop()

	return w, nil
}

// Reloads returns a channel carrying each successfully reloaded
// configuration. Receiving is optional; the channel drops when full.
func (w *Watcher) Reloads() <-chan *EngineConfig {
	return w.reloads
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.watcher.Close()

		w.debounceMu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.debounceMu.Unlock()
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

// handleFsEvent filters events down to writes of the watched file and
// debounces rapid bursts before reloading.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.debounceMu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceWindow, w.reload)
	w.debounceMu.Unlock()
}

// reload parses the file and applies changed source policies. A file
// that fails to parse or validate leaves the running policies untouched.
func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Warn("config reload skipped")
		return
	}

	current := w.limiters.Policies()
	changed := 0
	for name, policy := range cfg.Sources {
		next := policy.RatePolicy()
		if cur, ok := current[name]; ok && cur == next {
			continue
		}
		w.limiters.SetPolicy(name, next)
		changed++
		w.log.WithFields(logrus.Fields{
			"source":     name,
			"per_second": next.PerSecond,
			"burst":      next.Burst,
		}).Info("source policy updated")
	}
	if changed == 0 {
		w.log.Debug("config reloaded, no policy changes")
	}

	select {
	case w.reloads <- cfg:
	default:
	}
}
