// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jllopis/skillgate/pkg/gateway"
)

type toolsOutput struct {
	Tools []gateway.ToolDefinition `json:"tools"`
	// External lists the tools of the configured MCP servers that skills may call.
	External []externalTool `json:"external,omitempty"`
}

type externalTool struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func buildToolsCmd(flags *globalFlags) *cobra.Command {
	var external bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the gateway offers to agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, newLogger(os.Stderr, cfg))
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.loadSkills(cmd.Context()); err != nil {
				return err
			}

			out := toolsOutput{Tools: rt.gw.ToolDefinitions()}
			if external {
				for _, st := range rt.toolbox.Tools(cmd.Context()) {
					out.External = append(out.External, externalTool{
						Server:      st.Server,
						Name:        st.Tool.Name,
						Description: st.Tool.Description,
					})
				}
			}

			w := cmd.OutOrStdout()
			if flags.JSON {
				return printJSON(w, out)
			}
			tw := newTabWriter(w)
			writeRow(tw, "TOOL", "DESCRIPTION")
			for _, t := range out.Tools {
				writeRow(tw, t.Name, truncate(t.Description, 72))
			}
			if err := tw.Flush(); err != nil || !external {
				return err
			}

			fmt.Fprintln(w)
			tw = newTabWriter(w)
			writeRow(tw, "MCP SERVER", "TOOL", "DESCRIPTION")
			for _, t := range out.External {
				writeRow(tw, t.Server, t.Name, truncate(t.Description, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&external, "external", false, "Also list tools of the configured MCP servers")
	return cmd
}
