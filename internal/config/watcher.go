package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 200 * time.Millisecond

// ReloadEvent carries config.yaml as re-read after a change. Err is set when
// the new file could not be loaded; Config then holds defaults only and
// must not be applied.
type ReloadEvent struct {
	Path   string
	Config Config
	Err    error
}

// Watcher re-reads config.yaml when it changes. The home directory is
// watched rather than the file so that editors which save by rename are
// seen, and bursts of writes collapse into one reload.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultReloadDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := filepath.Clean(ConfigPath(w.homeDir))
	pending := time.NewTimer(w.debounce)
	if !pending.Stop() {
		<-pending.C
	}
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending.Reset(w.debounce)
		case <-pending.C:
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Error("config reload failed", "path", target, "error", err)
			}
			select {
			case w.events <- ReloadEvent{Path: target, Config: cfg, Err: err}:
			default:
				w.logger.Warn("config reload event dropped; consumer is behind", "path", target)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
