// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jllopis/skillgate/pkg/manifest"
)

// DefaultWatchDebounce coalesces bursts of file events per skill directory.
const DefaultWatchDebounce = 250 * time.Millisecond

// WithWatchDebounce sets how long Watch waits for file events to settle.
func WithWatchDebounce(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.watchDebounce = d
		}
	}
}

// Watch reloads skills under dir when their manifests change, loads new skill
// directories, and unloads skills whose directory disappears. It returns once
// the watcher is running; the watcher stops when ctx is done.
func (g *Gateway) Watch(ctx context.Context, dir string) error {
	dir = filepath.Clean(dir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(dir, e.Name())); err != nil {
				g.logger.Warn("gateway.watch.add.failed", slog.String("path", e.Name()), slog.String("error", err.Error()))
			}
		}
	}
	g.logger.Info("gateway.watch.start", slog.String("dir", dir))
	go g.watchLoop(ctx, watcher, dir)
	return nil
}

func (g *Gateway) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, root string) {
	defer watcher.Close()

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	schedule := func(skillDir string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[skillDir]; ok {
			t.Stop()
		}
		timers[skillDir] = time.AfterFunc(g.watchDebounce, func() {
			mu.Lock()
			delete(timers, skillDir)
			mu.Unlock()
			g.refresh(ctx, skillDir)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			g.logger.Info("gateway.watch.stop", slog.String("dir", root))
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			skillDir := skillDirOf(root, event.Name)
			if skillDir == "" {
				continue
			}
			if event.Op&fsnotify.Create != 0 && event.Name == skillDir {
				if info, err := os.Stat(skillDir); err == nil && info.IsDir() {
					_ = watcher.Add(skillDir)
				}
			}
			schedule(skillDir)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("gateway.watch.error", slog.String("error", err.Error()))
		}
	}
}

// skillDirOf maps a path under root to the skill directory it belongs to.
func skillDirOf(root, name string) string {
	name = filepath.Clean(name)
	parent := filepath.Dir(name)
	switch {
	case parent == root:
		return name
	case filepath.Dir(parent) == root:
		return parent
	default:
		return ""
	}
}

// refresh reloads the skill in dir, or unloads it when its manifest is gone.
func (g *Gateway) refresh(ctx context.Context, dir string) {
	if _, err := manifest.Find(dir); err != nil {
		for _, m := range g.Skills() {
			if filepath.Clean(m.Dir) == dir {
				g.UnloadSkill(m.ID)
			}
		}
		return
	}
	m, err := g.LoadSkill(ctx, dir)
	if err != nil {
		g.logger.Warn("gateway.watch.reload.failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}
	g.logger.Info("gateway.watch.reloaded", slog.String("skill", m.ID), slog.String("version", m.Version))
}
