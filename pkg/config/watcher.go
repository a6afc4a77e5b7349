// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/v2"
)

// digest identifies file content. The zero value stands for a missing file.
type digest [sha256.Size]byte

// Watcher reloads the configuration when the base file or its profile overlay
// changes. A change is applied once the new content has been seen on two
// consecutive polls, so a half-written file is never loaded.
type Watcher struct {
	paths    []string
	profile  string
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)

	applied map[string]digest
	pending map[string]digest

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchProfile sets the profile overlay applied on reload.
func WithWatchProfile(profile string) WatcherOption {
	return func(w *Watcher) {
		w.profile = profile
	}
}

func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads the configuration from paths[0] and returns a watcher for
// all of paths. It does not poll until Start is called.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:    paths,
		interval: time.Second,
		logger:   slog.Default(),
		applied:  make(map[string]digest, len(paths)),
		pending:  make(map[string]digest, len(paths)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		w.applied[path] = fileDigest(path)
	}
	cfg, err := w.load()
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers fn to receive every configuration that loads cleanly.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the last configuration that loaded cleanly.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start polls in the background until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop ends polling and waits for the loop to exit. It is safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.settled() {
				w.reload()
			}
		}
	}
}

// settled reports whether some watched file holds new content that has not
// moved since the previous poll. Files that disappear are ignored until they
// come back.
func (w *Watcher) settled() bool {
	ready := false
	for _, path := range w.paths {
		current := fileDigest(path)
		if current == (digest{}) || current == w.applied[path] {
			delete(w.pending, path)
			continue
		}
		if seen, ok := w.pending[path]; ok && seen == current {
			w.applied[path] = current
			delete(w.pending, path)
			ready = true
			continue
		}
		w.pending[path] = current
	}
	return ready
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		// Keep serving with the previous configuration.
		w.logger.Error("config.reload.failed", "paths", w.paths, "error", err)
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	w.logger.Info("config.reload.applied", "paths", w.paths, "profile", w.profile, "listeners", len(listeners))
	for _, fn := range listeners {
		fn(cfg)
	}
}

func (w *Watcher) load() (*Config, error) {
	if len(w.paths) == 0 {
		return LoadWithProfile("", w.profile)
	}
	return LoadWithProfile(w.paths[0], w.profile)
}

func fileDigest(path string) digest {
	data, err := os.ReadFile(path)
	if err != nil {
		return digest{}
	}
	return sha256.Sum256(data)
}

// WatchConfig starts a watcher on configPath and, when present, the overlay
// for profile. It returns the watcher and the configuration it loaded.
func WatchConfig(ctx context.Context, configPath, profile string, opts ...WatcherOption) (*Watcher, *Config, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
		if p := ProfilePath(configPath, profile); profile != "" && fileExists(p) {
			paths = append(paths, p)
		}
	}

	opts = append([]WatcherOption{WithWatchProfile(profile)}, opts...)
	watcher, err := NewWatcher(paths, opts...)
	if err != nil {
		return nil, nil, err
	}
	watcher.Start(ctx)
	return watcher, watcher.Config(), nil
}

// ReloadableConfig holds the configuration in force. Readers always see a
// whole configuration, never a mix of two.
type ReloadableConfig struct {
	current atomic.Pointer[Config]
}

func NewReloadableConfig(cfg *Config) *ReloadableConfig {
	r := &ReloadableConfig{}
	r.current.Store(cfg)
	return r
}

// Get returns the configuration in force.
func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Update replaces the configuration in force.
func (r *ReloadableConfig) Update(cfg *Config) {
	r.current.Store(cfg)
}

// Koanf returns the raw tree of the configuration in force. Skill
// configuration lookups read from it.
func (r *ReloadableConfig) Koanf() *koanf.Koanf {
	return r.Get().Koanf()
}

func (r *ReloadableConfig) Gateway() GatewayConfig {
	return r.Get().Gateway
}

func (r *ReloadableConfig) Governance() GovernanceConfig {
	return r.Get().Governance
}

func (r *ReloadableConfig) Remote() RemoteConfig {
	return r.Get().Remote
}
