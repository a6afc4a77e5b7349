// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/skillgate/pkg/config"
	"github.com/jllopis/skillgate/pkg/server"
	"github.com/jllopis/skillgate/pkg/telemetry"
)

func buildServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway HTTP API",
		Long: `Load every skill under gateway.skills_dir and serve the gateway API.
The configuration file is watched: governance rules and skill config values
change without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), flags, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, cfg *config.Config) error {
	logger := newLogger(os.Stderr, cfg)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown, err := telemetry.InitFromConfig(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry.shutdown.failed", slog.String("error", err.Error()))
		}
	}()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ids, err := rt.loadSkills(ctx)
	if err != nil {
		return err
	}
	logger.Info("gateway.skills.loaded", slog.Int("count", len(ids)), slog.Any("skills", ids))

	if cfg.Gateway.Watch && cfg.Gateway.SkillsDir != "" {
		if err := rt.gw.Watch(ctx, cfg.Gateway.SkillsDir); err != nil {
			logger.Warn("gateway.watch.failed", slog.String("error", err.Error()))
		}
	}
	sweeperDone := rt.gw.StartSweeper(ctx, time.Duration(cfg.Gateway.SweepIntervalSeconds)*time.Second)

	if flags.ConfigPath != "" {
		watcher, _, err := config.WatchConfig(ctx, flags.ConfigPath, flags.Profile, config.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("config.watch.failed", slog.String("error", err.Error()))
		} else {
			watcher.OnChange(rt.reload)
			defer watcher.Stop()
		}
	}

	srv := server.New(rt.gw, server.Options{
		Version:     version,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	err = srv.ListenAndServe(ctx, cfg.Server.Addr)
	cancel()
	<-sweeperDone
	return err
}
