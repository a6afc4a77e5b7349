// SPDX-License-Identifier: Apache-2.0

package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/config"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/policy"
	"github.com/jllopis/skillgate/pkg/schema"
)

type validateResult struct {
	Config  checkResult   `json:"config"`
	Skills  []skillReport `json:"skills"`
	Overall string        `json:"overall"`
}

type skillReport struct {
	Path   string        `json:"path"`
	ID     string        `json:"id,omitempty"`
	Checks []checkResult `json:"checks"`
}

type checkResult struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"` // "ok", "warn", "error", "skip"
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

func buildValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [skill-dir...]",
		Short: "Check skill manifests and the privilege separation rules",
		Long: `Validate each skill directory (or every skill below a directory of skills).
Without arguments the configured gateway.skills_dir is checked. The command
exits non-zero when any check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := runValidate(flags, args)
			out := cmd.OutOrStdout()
			if flags.JSON {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				printValidateResult(out, result)
			}
			if result.Overall == "error" {
				return NewCLIError(
					errors.Newf(errors.CodeInvalidManifest, "validation failed for %d skill(s)", countFailed(result)),
					"fix the errors listed above",
				)
			}
			return nil
		},
	}
}

func runValidate(flags *globalFlags, args []string) validateResult {
	result := validateResult{Skills: []skillReport{}}

	cfg, err := loadConfig(flags)
	if err != nil {
		result.Config = checkResult{Name: "config", Status: "error", Message: fmt.Sprintf("failed to load: %v", err)}
	} else {
		result.Config = checkResult{Name: "config", Status: "ok"}
	}

	if len(args) == 0 && cfg != nil && cfg.Gateway.SkillsDir != "" {
		args = []string{cfg.Gateway.SkillsDir}
	}
	if len(args) == 0 {
		result.Config.Status = worst(result.Config.Status, "warn")
		if result.Config.Message == "" {
			result.Config.Message = "no skill directories given and gateway.skills_dir is empty"
		}
	}

	v := schema.NewValidator()
	for _, dir := range expandSkillDirs(args) {
		result.Skills = append(result.Skills, validateSkill(dir, v, cfg))
	}

	result.Overall = result.Config.Status
	for _, s := range result.Skills {
		for _, c := range s.Checks {
			result.Overall = worst(result.Overall, c.Status)
		}
	}
	return result
}

// expandSkillDirs keeps paths that hold a manifest and replaces the others
// with their subdirectories.
func expandSkillDirs(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := manifest.Find(p); err == nil {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			out = append(out, p)
			continue
		}
		found := false
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			out = append(out, filepath.Join(p, e.Name()))
			found = true
		}
		if !found {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func validateSkill(dir string, v *schema.Validator, cfg *config.Config) skillReport {
	report := skillReport{Path: dir}

	m, err := manifest.Load(dir, v)
	if err != nil {
		check := checkResult{Name: "manifest", Status: "error", Message: err.Error()}
		var ve *manifest.ValidationError
		if stderrors.As(err, &ve) {
			check.Message = "manifest does not match the schema"
			check.Details = ve.Problems
		}
		report.Checks = append(report.Checks,
			check,
			checkResult{Name: "policy", Status: "skip", Message: "manifest not loaded"},
			checkResult{Name: "config", Status: "skip", Message: "manifest not loaded"},
		)
		return report
	}
	report.ID = m.ID
	report.Checks = append(report.Checks, checkResult{
		Name:    "manifest",
		Status:  "ok",
		Message: fmt.Sprintf("%s v%s, %d action(s)", m.ID, m.Version, len(m.Actions)),
	})

	if pr := policy.CheckManifest(m); pr.OK() {
		report.Checks = append(report.Checks, checkResult{Name: "policy", Status: "ok"})
	} else {
		report.Checks = append(report.Checks, checkResult{
			Name:    "policy",
			Status:  "error",
			Message: "agent-visible output can carry free text",
			Details: pr.Lines(),
		})
	}

	report.Checks = append(report.Checks, checkSkillConfig(m, cfg))
	return report
}

func checkSkillConfig(m *manifest.Manifest, cfg *config.Config) checkResult {
	if cfg == nil {
		return checkResult{Name: "config", Status: "skip", Message: "config not loaded"}
	}
	reader := capability.WithDefaults(capability.NewKoanfConfig(cfg.Koanf, m.ID), m)
	if err := capability.CheckRequired(reader, m); err != nil {
		return checkResult{Name: "config", Status: "warn", Message: err.Error()}
	}
	return checkResult{Name: "config", Status: "ok"}
}

var statusRank = map[string]int{"": 0, "skip": 0, "ok": 1, "warn": 2, "error": 3}

func worst(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

func countFailed(r validateResult) int {
	n := 0
	for _, s := range r.Skills {
		for _, c := range s.Checks {
			if c.Status == "error" {
				n++
				break
			}
		}
	}
	return n
}

func printValidateResult(w io.Writer, r validateResult) {
	fmt.Fprintln(w, "Skillgate Validation")
	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w)
	printCheck(w, "", r.Config)

	for _, s := range r.Skills {
		fmt.Fprintln(w)
		name := s.ID
		if name == "" {
			name = s.Path
		}
		fmt.Fprintf(w, "Skill %s (%s)\n", name, s.Path)
		for _, c := range s.Checks {
			printCheck(w, "  ", c)
		}
	}

	fmt.Fprintln(w)
	switch r.Overall {
	case "error":
		fmt.Fprintln(w, "Overall: FAILED")
	case "warn":
		fmt.Fprintln(w, "Overall: PASSED with warnings")
	default:
		fmt.Fprintln(w, "Overall: PASSED")
	}
}

func printCheck(w io.Writer, indent string, c checkResult) {
	icon := statusIcon(c.Status)
	if c.Message != "" {
		fmt.Fprintf(w, "%s%s %s: %s\n", indent, icon, c.Name, c.Message)
	} else {
		fmt.Fprintf(w, "%s%s %s\n", indent, icon, c.Name)
	}
	for _, d := range c.Details {
		fmt.Fprintf(w, "%s    - %s\n", indent, d)
	}
}

func statusIcon(status string) string {
	switch status {
	case "ok":
		return "✓"
	case "warn":
		return "⚠"
	case "error":
		return "✗"
	case "skip":
		return "○"
	default:
		return "?"
	}
}
