// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := newArticleGateway(t,
		WithSessionStore(session.NewStore(session.Options{Now: clock.Now})),
		WithContentStore(content.NewStore(content.Options{TTL: time.Minute, Now: clock.Now})),
	)
	ctx := context.Background()

	require.True(t, g.Execute(ctx, "article-search", "search", map[string]any{"topic": "AI"}, ExecuteOptions{}).Success())
	require.True(t, g.Execute(ctx, "article-search", "details", map[string]any{"id": "article-7"}, ExecuteOptions{}).Success())
	assert.Equal(t, SweepStats{}, g.Sweep(ctx), "nothing has expired yet")

	// Content expires after one minute, article-search sessions after ten.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, SweepStats{Sessions: 0, Content: 1}, g.Sweep(ctx))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, SweepStats{Sessions: 2, Content: 0}, g.Sweep(ctx))
	assert.Zero(t, g.Sessions().Len())
}

func TestStartSweeper(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := g.StartSweeper(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	disabled := g.StartSweeper(context.Background(), 0)
	_, open := <-disabled
	assert.False(t, open)
}

func TestWatchReloadsSkills(t *testing.T) {
	root := t.TempDir()
	g := newTestGateway(t, WithWatchDebounce(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Watch(ctx, root))

	// Stage the skill elsewhere so it appears in one rename.
	staged := copyFixture(t, articleFixture, t.TempDir())
	dir := filepath.Join(root, filepath.Base(staged))
	require.NoError(t, os.Rename(staged, dir))
	require.Eventually(t, func() bool {
		_, ok := g.Skill("article-search")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "new skill directories are loaded")

	path := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	updated := strings.Replace(string(data), `"version": "1.2.0"`, `"version": "1.3.0"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.Eventually(t, func() bool {
		m, ok := g.Skill("article-search")
		return ok && m.Version == "1.3.0"
	}, 2*time.Second, 10*time.Millisecond, "changed manifests are reloaded")

	require.NoError(t, os.RemoveAll(dir))
	require.Eventually(t, func() bool {
		_, ok := g.Skill("article-search")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "removed skills are unloaded")
}

func TestSkillDirOf(t *testing.T) {
	root := filepath.Join("srv", "skills")
	assert.Equal(t, filepath.Join(root, "weather"), skillDirOf(root, filepath.Join(root, "weather")))
	assert.Equal(t, filepath.Join(root, "weather"), skillDirOf(root, filepath.Join(root, "weather", "manifest.json")))
	assert.Empty(t, skillDirOf(root, filepath.Join(root, "weather", "assets", "icon.png")))
	assert.Empty(t, skillDirOf(root, filepath.Join("srv", "other")))
}
