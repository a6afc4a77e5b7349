// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ResponseTemplate is fixed text with {{field}} placeholders.
type ResponseTemplate struct {
	Text string `json:"text"`
}

// TemplateSpec is the bundle a template-mode action carries.
type TemplateSpec struct {
	AgentDataSchema   Schema
	ResponseTemplates map[string]ResponseTemplate
}

// PassthroughSpec is the bundle a passthrough-mode action carries.
type PassthroughSpec struct {
	UserContentSchema Schema
}

// Action is one operation of a skill. Exactly one of the template or
// passthrough bundles is present, matching Mode.
type Action struct {
	Description string
	InputSchema Schema

	mode        ResponseMode
	template    *TemplateSpec
	passthrough *PassthroughSpec
}

// NewTemplateAction builds a template-mode action.
func NewTemplateAction(description string, input, agentData Schema, templates map[string]ResponseTemplate) *Action {
	return &Action{
		Description: description,
		InputSchema: input,
		mode:        ModeTemplate,
		template:    &TemplateSpec{AgentDataSchema: agentData, ResponseTemplates: templates},
	}
}

// NewPassthroughAction builds a passthrough-mode action.
func NewPassthroughAction(description string, input, userContent Schema) *Action {
	return &Action{
		Description: description,
		InputSchema: input,
		mode:        ModePassthrough,
		passthrough: &PassthroughSpec{UserContentSchema: userContent},
	}
}

// Mode returns the declared response mode.
func (a *Action) Mode() ResponseMode {
	return a.mode
}

// Template returns the template bundle when the action is template mode.
func (a *Action) Template() (TemplateSpec, bool) {
	if a.mode != ModeTemplate || a.template == nil {
		return TemplateSpec{}, false
	}
	return *a.template, true
}

// Passthrough returns the passthrough bundle when the action is passthrough mode.
func (a *Action) Passthrough() (PassthroughSpec, bool) {
	if a.mode != ModePassthrough || a.passthrough == nil {
		return PassthroughSpec{}, false
	}
	return *a.passthrough, true
}

// TemplateNames returns the response template names in sorted order.
func (a *Action) TemplateNames() []string {
	spec, ok := a.Template()
	if !ok {
		return nil
	}
	names := make([]string, 0, len(spec.ResponseTemplates))
	for name := range spec.ResponseTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Action) problems() []string {
	var out []string
	if a.InputSchema == nil {
		out = append(out, "inputSchema is required")
	}
	switch a.mode {
	case ModeTemplate:
		if a.template == nil || a.template.AgentDataSchema == nil {
			out = append(out, "template mode requires agentDataSchema")
		}
		if a.template == nil || len(a.template.ResponseTemplates) == 0 {
			out = append(out, "template mode requires at least one response template")
		}
		if a.passthrough != nil {
			out = append(out, "template mode must not declare userContentSchema")
		}
	case ModePassthrough:
		if a.passthrough == nil || a.passthrough.UserContentSchema == nil {
			out = append(out, "passthrough mode requires userContentSchema")
		}
		if a.template != nil {
			out = append(out, "passthrough mode must not declare agentDataSchema or responseTemplates")
		}
	default:
		out = append(out, fmt.Sprintf("responseMode %q must be template or passthrough", a.mode))
	}
	return out
}

type actionWire struct {
	Description       string                      `json:"description,omitempty"`
	ResponseMode      ResponseMode                `json:"responseMode"`
	InputSchema       Schema                      `json:"inputSchema"`
	AgentDataSchema   Schema                      `json:"agentDataSchema,omitempty"`
	ResponseTemplates map[string]ResponseTemplate `json:"responseTemplates,omitempty"`
	UserContentSchema Schema                      `json:"userContentSchema,omitempty"`
}

// MarshalJSON renders the wire form with optional per-mode fields.
func (a *Action) MarshalJSON() ([]byte, error) {
	w := actionWire{
		Description:  a.Description,
		ResponseMode: a.mode,
		InputSchema:  a.InputSchema,
	}
	if a.template != nil {
		w.AgentDataSchema = a.template.AgentDataSchema
		w.ResponseTemplates = a.template.ResponseTemplates
	}
	if a.passthrough != nil {
		w.UserContentSchema = a.passthrough.UserContentSchema
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the wire form into the tagged variant. Bundles that do
// not belong to the declared mode are kept so Validate can report them.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{
		Description: w.Description,
		InputSchema: w.InputSchema,
		mode:        w.ResponseMode,
	}
	if w.AgentDataSchema != nil || w.ResponseTemplates != nil {
		a.template = &TemplateSpec{AgentDataSchema: w.AgentDataSchema, ResponseTemplates: w.ResponseTemplates}
	}
	if w.UserContentSchema != nil {
		a.passthrough = &PassthroughSpec{UserContentSchema: w.UserContentSchema}
	}
	return nil
}
