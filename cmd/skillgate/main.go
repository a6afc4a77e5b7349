// SPDX-License-Identifier: Apache-2.0

// Package main implements the skillgate CLI.
//
// Start the gateway API:
//
//	skillgate serve --config skillgate.yaml
//
// Check skills before deploying them:
//
//	skillgate validate ./skills/weather
//
// Run an action once:
//
//	skillgate exec weather:forecast --input '{"city":"Oslo"}'
//
// Expose the loaded skills to an MCP host over stdio:
//
//	skillgate mcp
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jllopis/skillgate/pkg/config"
	"github.com/jllopis/skillgate/pkg/telemetry"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	ConfigPath string
	Profile    string
	Sets       []string
	SkillsDir  string
	JSON       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := &globalFlags{}
	root := buildRootCmd(flags)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, flags.JSON)
		os.Exit(1)
	}
}

func buildRootCmd(flags *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "skillgate",
		Short: "Skill execution gateway with privilege separation",
		Long: `skillgate loads skills described by manifests and runs their actions on
behalf of an agent. Skill output reaches the agent only as schema-checked
data or resolved templates; free text goes straight to the user.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to YAML configuration file")
	pf.StringVar(&flags.Profile, "profile", "", "Profile overlay (config.<profile>.yaml)")
	pf.StringArrayVar(&flags.Sets, "set", nil, "Override a config key (key=value, repeatable)")
	pf.StringVar(&flags.SkillsDir, "skills-dir", "", "Directory of skills (overrides gateway.skills_dir)")
	pf.BoolVar(&flags.JSON, "json", false, "Output as JSON")

	root.AddCommand(
		buildServeCmd(flags),
		buildValidateCmd(flags),
		buildToolsCmd(flags),
		buildExecCmd(flags),
		buildMCPCmd(flags),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skillgate %s (commit: %s)\n", version, commit)
		},
	}
}

// loadConfig applies --config, --profile, --set and --skills-dir.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadWithSets(flags.ConfigPath, flags.Profile, flags.Sets)
	if err != nil {
		return nil, NewConfigError(err, flags.ConfigPath)
	}
	if flags.SkillsDir != "" {
		cfg.Gateway.SkillsDir = flags.SkillsDir
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}
	return cfg, nil
}

// newLogger logs to w, which is stderr for every command so stdout stays
// clean for results and the MCP protocol.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	return telemetry.ConfigureSlog(w, cfg.Log.Level, cfg.Log.Format)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func writeRow(w io.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.ReplaceAll(value, "\t", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	if value == "" {
		return "-"
	}
	return value
}

func truncate(s string, maxLen int) string {
	if maxLen <= 3 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
