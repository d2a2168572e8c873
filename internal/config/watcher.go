package config

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// defaultSettleDelay is how long the watcher lets filesystem events quiet
// down before it re-reads the file. ConfigMap updates arrive as a burst of
// symlink swaps, never as a single write.
const defaultSettleDelay = 200 * time.Millisecond

// ConfigCallback is called with each successfully reloaded configuration.
type ConfigCallback func(*Config)

// ErrorCallback is called when a reload attempt fails.
type ErrorCallback func(error)

// Watcher re-reads the configuration file when it changes on disk. The
// director uses it to invalidate the default-endpoint cache when the
// mounted ConfigMap is rewritten. A reload fires only when the file's
// content actually differs; invalid content is reported and discarded so
// the running configuration is never replaced by a broken one.
type Watcher struct {
	path     string
	settle   time.Duration
	onChange ConfigCallback
	onError  ErrorCallback
	logger   observability.Logger

	lastSum [sha256.Size]byte
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithSettleDelay sets how long events must quiet down before a reload.
func WithSettleDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, onChange ConfigCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		settle:   defaultSettleDelay,
		onChange: onChange,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run verifies the file loads and validates, then blocks watching it until
// the context is cancelled. An unloadable file at startup is an error;
// afterwards reload failures only invoke the error callback.
func (w *Watcher) Run(ctx context.Context) error {
	_, sum, err := w.read()
	if err != nil {
		return err
	}
	w.lastSum = sum

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	// The directory is watched, not the file: ConfigMap mounts replace
	// the file through a symlink swap, which never produces a write event
	// on the file itself.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("watching configuration file",
		observability.String("path", w.path))

	// settleCh is nil while the file is clean; the first relevant event
	// arms it and further events within the window are absorbed.
	var settleCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.touches(ev) && settleCh == nil {
				w.logger.Debug("config file changed",
					observability.String("op", ev.Op.String()))
				settleCh = time.After(w.settle)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.fail(err)

		case <-settleCh:
			settleCh = nil
			w.reload()
		}
	}
}

// touches reports whether the event concerns the watched file. Create and
// rename ops matter as much as writes: a symlink swap shows up as either.
func (w *Watcher) touches(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(ev.Name) == w.path ||
		filepath.Base(ev.Name) == "..data" // kubelet's atomic-update symlink
}

// read loads, validates, and fingerprints the file.
func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, sum, err
	}
	sum = sha256.Sum256(data)

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, sum, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, sum, err
	}
	return cfg, sum, nil
}

// reload re-reads the file after a settle window, skipping callbacks when
// the content fingerprint is unchanged.
func (w *Watcher) reload() {
	cfg, sum, err := w.read()
	if err != nil {
		w.fail(err)
		return
	}

	if sum == w.lastSum {
		w.logger.Debug("config content unchanged, reload skipped")
		return
	}
	w.lastSum = sum

	w.logger.Info("configuration reloaded",
		observability.String("path", w.path))

	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// fail reports a reload problem without touching the running config.
func (w *Watcher) fail(err error) {
	w.logger.Error("config reload failed", observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}
