// SPDX-License-Identifier: Apache-2.0

// Package policy checks the privilege-separation rules of a skill manifest.
//
// Agent-visible data may only contain constrained strings: every string node
// of an agentDataSchema needs an enum, a const, a pattern, or an allow-listed
// format. Response templates may only reference top-level fields of that
// schema. Both checks are static and run before a skill is trusted.
package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/template"
)

// Rule names a policy rule.
type Rule string

const (
	// RuleUnconstrainedString flags free-text string nodes in agent data.
	RuleUnconstrainedString Rule = "no-unconstrained-strings"
	// RuleUnknownTemplateField flags placeholders with no matching schema field.
	RuleUnknownTemplateField Rule = "template-fields-exist"
)

// AllowedFormats are the string formats that count as constrained.
var AllowedFormats = map[string]bool{
	"id":        true,
	"date":      true,
	"date-time": true,
	"uuid":      true,
	"email":     true,
	"url":       true,
}

// Violation is a single rule failure.
type Violation struct {
	Rule     Rule
	Action   string
	Template string
	Path     string
	Message  string
}

func (v Violation) String() string {
	var b strings.Builder
	b.WriteString(string(v.Rule))
	if v.Action != "" {
		b.WriteString(" action=" + v.Action)
	}
	if v.Template != "" {
		b.WriteString(" template=" + v.Template)
	}
	if v.Path != "" {
		b.WriteString(" path=" + v.Path)
	}
	b.WriteString(": " + v.Message)
	return b.String()
}

// CheckAgentDataSchema reports every unconstrained string node in schema.
func CheckAgentDataSchema(schema map[string]any) []Violation {
	var out []Violation
	walk(schema, "", &out)
	return out
}

func walk(node map[string]any, path string, out *[]Violation) {
	if node == nil {
		return
	}
	if declaresString(node) && !constrained(node) {
		p := path
		if p == "" {
			p = "(root)"
		}
		*out = append(*out, Violation{
			Rule:    RuleUnconstrainedString,
			Path:    p,
			Message: "string field needs enum, const, pattern, or format (" + allowedFormatList() + ")",
		})
	}

	for _, key := range []string{"properties", "patternProperties", "$defs", "definitions"} {
		children, ok := asMap(node[key])
		if !ok {
			continue
		}
		for _, name := range sortedKeys(children) {
			if child, ok := asMap(children[name]); ok {
				walk(child, join(path, key+"."+name), out)
			}
		}
	}

	for _, key := range []string{"items", "additionalProperties", "additionalItems", "not", "if", "then", "else", "contains"} {
		if child, ok := asMap(node[key]); ok {
			walk(child, join(path, key), out)
		} else if list, ok := node[key].([]any); ok {
			walkList(list, join(path, key), out)
		}
	}

	for _, key := range []string{"oneOf", "anyOf", "allOf", "prefixItems"} {
		if list, ok := node[key].([]any); ok {
			walkList(list, join(path, key), out)
		}
	}
}

func walkList(list []any, path string, out *[]Violation) {
	for i, item := range list {
		if child, ok := asMap(item); ok {
			walk(child, path+"["+strconv.Itoa(i)+"]", out)
		}
	}
}

func declaresString(node map[string]any) bool {
	switch t := node["type"].(type) {
	case string:
		return t == "string"
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s == "string" {
				return true
			}
		}
	case []string:
		for _, s := range t {
			if s == "string" {
				return true
			}
		}
	}
	return false
}

func constrained(node map[string]any) bool {
	switch enum := node["enum"].(type) {
	case []any:
		if len(enum) > 0 {
			return true
		}
	case []string:
		if len(enum) > 0 {
			return true
		}
	}
	if _, ok := node["const"]; ok {
		return true
	}
	if pattern, ok := node["pattern"].(string); ok && pattern != "" {
		return true
	}
	if format, ok := node["format"].(string); ok && AllowedFormats[format] {
		return true
	}
	return false
}

// CheckTemplateFields reports placeholders that do not name a top-level
// property of schema.
func CheckTemplateFields(schema map[string]any, templates map[string]manifest.ResponseTemplate) []Violation {
	props, _ := asMap(schema["properties"])
	var out []Violation
	for _, name := range sortedTemplateNames(templates) {
		for _, field := range template.Placeholders(templates[name].Text) {
			if _, ok := props[field]; ok {
				continue
			}
			out = append(out, Violation{
				Rule:     RuleUnknownTemplateField,
				Template: name,
				Path:     "properties." + field,
				Message:  fmt.Sprintf("placeholder {{%s}} is not a top-level agentDataSchema property", field),
			})
		}
	}
	return out
}

// Report collects the violations of one manifest.
type Report struct {
	SkillID    string
	Violations []Violation
}

// OK reports whether the manifest passed every rule.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Err returns nil when the report is clean and a *PolicyError otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &PolicyError{Report: r}
}

// Lines renders each violation on its own line.
func (r Report) Lines() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// PolicyError wraps a failing report.
type PolicyError struct {
	Report Report
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("skill %s violates privilege separation: %s", e.Report.SkillID, strings.Join(e.Report.Lines(), "; "))
}

// CheckManifest runs both rules over every template-mode action of m.
// Passthrough actions are exempt: their content never reaches the agent.
func CheckManifest(m *manifest.Manifest) Report {
	report := Report{}
	if m == nil {
		return report
	}
	report.SkillID = m.ID
	for _, name := range m.ActionNames() {
		action := m.Actions[name]
		if action == nil {
			continue
		}
		spec, ok := action.Template()
		if !ok {
			continue
		}
		for _, v := range CheckAgentDataSchema(spec.AgentDataSchema) {
			v.Action = name
			report.Violations = append(report.Violations, v)
		}
		for _, v := range CheckTemplateFields(spec.AgentDataSchema, spec.ResponseTemplates) {
			v.Action = name
			report.Violations = append(report.Violations, v)
		}
	}
	return report
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case manifest.Schema:
		return m, true
	}
	return nil, false
}

func join(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTemplateNames(m map[string]manifest.ResponseTemplate) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func allowedFormatList() string {
	formats := make([]string, 0, len(AllowedFormats))
	for f := range AllowedFormats {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return strings.Join(formats, ", ")
}
