// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/config"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/gateway"
	"github.com/jllopis/skillgate/pkg/governance"
	"github.com/jllopis/skillgate/pkg/mcp"
	"github.com/jllopis/skillgate/pkg/remote"
	"github.com/jllopis/skillgate/pkg/resilience"
	"github.com/jllopis/skillgate/pkg/session"
	"github.com/jllopis/skillgate/pkg/skill"
	"github.com/jllopis/skillgate/pkg/telemetry"
)

// runtime is a gateway wired from configuration, plus what must be closed
// when the command ends.
type runtime struct {
	cfg      *config.Config
	live     *config.ReloadableConfig
	policy   *governance.Reloadable
	gw       *gateway.Gateway
	toolbox  *mcp.Toolbox
	storage  *capability.Provider
	logger   *slog.Logger
	shutdown []func() error
}

// newRuntime wires a gateway from cfg. extra options are applied last.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...gateway.Option) (*runtime, error) {
	rt := &runtime{
		cfg:    cfg,
		live:   config.NewReloadableConfig(cfg),
		policy: governance.NewReloadable(governance.EngineFromConfig(cfg.Governance)),
		logger: logger,
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	rt.storage = capability.NewProvider(backend, capability.ProviderOptions{QuotaBytes: cfg.Storage.QuotaBytes})
	rt.shutdown = append(rt.shutdown, rt.storage.Close)

	rt.toolbox = connectToolbox(ctx, cfg.Tools.MCPServers, logger)
	rt.shutdown = append(rt.shutdown, rt.toolbox.Close)

	metrics, err := telemetry.NewGatewayMetrics(ctx)
	if err != nil {
		logger.Warn("telemetry.metrics.unavailable", slog.String("error", err.Error()))
		metrics = nil
	}

	resolver := remote.Resolver(remoteOptions(cfg.Remote)...)
	loader := skill.NewLoader(
		skill.WithResolver("http", resolver),
		skill.WithResolver("https", resolver),
	)

	timeout := time.Duration(cfg.Gateway.DefaultTimeoutMs) * time.Millisecond
	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithLoader(loader),
		gateway.WithPolicy(rt.policy),
		gateway.WithEnforcePolicy(cfg.Gateway.EnforcePolicy),
		gateway.WithConfigSource(rt.live.Koanf),
		gateway.WithStorageProvider(rt.storage),
		gateway.WithToolInvoker(rt.toolbox),
		gateway.WithMetrics(metrics),
		gateway.WithDefaultTimeout(timeout),
		gateway.WithSessionStore(session.NewStore(session.Options{
			MaxDuration:       time.Duration(cfg.Session.MaxDurationMs) * time.Millisecond,
			MaxHistoryEntries: cfg.Session.MaxHistoryEntries,
		})),
		gateway.WithContentStore(content.NewStore(content.Options{
			TTL: time.Duration(cfg.Content.TTLSeconds) * time.Second,
		})),
	}
	rt.gw = gateway.New(append(opts, extra...)...)
	return rt, nil
}

func remoteOptions(cfg config.RemoteConfig) []remote.Option {
	opts := []remote.Option{
		remote.WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(cfg.RetryAttempts)),
	}
	if cfg.TimeoutMs > 0 {
		opts = append(opts, remote.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond}))
	}
	if cfg.BreakerFailures > 0 {
		opts = append(opts, remote.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerFailures,
			Timeout:          time.Duration(cfg.BreakerResetSeconds) * time.Second,
		}))
	}
	return opts
}

func openBackend(cfg config.StorageConfig) (capability.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return nil, nil
	case "file":
		dir := cfg.Path
		if dir == "" {
			dir = filepath.Join(".skillgate", "storage")
		}
		return capability.NewFileBackend(dir, time.Duration(cfg.FlushIntervalMs)*time.Millisecond)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(".skillgate", "storage.db")
		}
		return capability.OpenSQLite(path)
	default:
		return nil, NewInvalidArgumentError("storage.backend", fmt.Sprintf("unknown storage backend %q", cfg.Backend))
	}
}

// connectToolbox connects every configured MCP server. A server that cannot
// be reached is logged and left out; skills calling its tools get an error.
func connectToolbox(ctx context.Context, servers []config.MCPServerConfig, logger *slog.Logger) *mcp.Toolbox {
	box := mcp.NewToolbox(mcp.WithToolboxLogger(logger))
	for _, s := range servers {
		var opts []mcp.ClientOption
		if s.TimeoutSeconds > 0 {
			opts = append(opts, mcp.WithTimeout(time.Duration(s.TimeoutSeconds)*time.Second))
		}
		if s.Retries != nil {
			opts = append(opts, mcp.WithRetry(*s.Retries, 200*time.Millisecond))
		}
		err := box.Connect(ctx, mcp.ServerConfig{
			Name:          s.Name,
			Type:          mcp.ServerType(s.Type),
			Command:       s.Command,
			Args:          s.Args,
			Env:           s.Env,
			URL:           s.URL,
			Headers:       s.Headers,
			ClientOptions: opts,
		})
		if err != nil {
			logger.Warn("mcp.server.unavailable", slog.String("server", s.Name), slog.String("error", err.Error()))
		}
	}
	return box
}

// loadSkills loads the configured skills directory and logs every skill that
// failed. It fails only when nothing could be loaded from a non-empty dir.
func (rt *runtime) loadSkills(ctx context.Context) ([]string, error) {
	dir := rt.cfg.Gateway.SkillsDir
	if dir == "" {
		return nil, nil
	}
	loaded, errs := rt.gw.LoadDir(ctx, dir)
	for _, err := range errs {
		rt.logger.Warn("gateway.skill.skipped", slog.String("error", err.Error()))
	}
	ids := make([]string, 0, len(loaded))
	for _, m := range loaded {
		ids = append(ids, m.ID)
	}
	if len(loaded) == 0 && len(errs) > 0 {
		return nil, stderrors.Join(errs...)
	}
	return ids, nil
}

// reload applies a changed configuration to the parts that can change while
// running: governance rules and the values skills read.
func (rt *runtime) reload(cfg *config.Config) {
	rt.live.Update(cfg)
	rt.policy.Swap(governance.EngineFromConfig(cfg.Governance))
	rt.logger.Info("config.reloaded",
		slog.Int("policies", len(cfg.Governance.Policies)),
		slog.Int("allow", len(cfg.Governance.Allow)),
		slog.Int("deny", len(cfg.Governance.Deny)),
	)
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		if err := rt.shutdown[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
