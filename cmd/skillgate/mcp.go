// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jllopis/skillgate/pkg/config"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/mcp"
)

func buildMCPCmd(flags *globalFlags) *cobra.Command {
	var contentOut string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the loaded skills as MCP tools over stdio",
		Long: `Serve every loaded action as an MCP tool on stdin/stdout.

The MCP host only receives agent-safe output. Passthrough content is written
to --content-out (stderr by default) so it can be shown to the user directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg, contentOut)
		},
	}
	cmd.Flags().StringVar(&contentOut, "content-out", "", "File that receives passthrough content (default stderr)")
	return cmd
}

func runMCP(ctx context.Context, cfg *config.Config, contentOut string) error {
	logger := newLogger(os.Stderr, cfg)

	var sink io.Writer = os.Stderr
	if contentOut != "" {
		f, err := os.OpenFile(contentOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return NewInvalidArgumentError("--content-out", err.Error())
		}
		defer f.Close()
		sink = f
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if _, err := rt.loadSkills(ctx); err != nil {
		return err
	}

	srv := mcp.NewGatewayServer(rt.gw, "skillgate", version,
		mcp.WithServerLogger(logger),
		mcp.WithOnPassthrough(contentPrinter(sink)),
	)
	logger.Info("mcp.serve.start", slog.Int("tools", len(rt.gw.ToolDefinitions())))
	return srv.ServeStdio()
}

func contentPrinter(w io.Writer) mcp.PassthroughFunc {
	var mu sync.Mutex
	return func(_ context.Context, d *content.Delivery) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "----- %s -----\n%s\n", d.Content.ContentType, d.Content.Content)
	}
}
