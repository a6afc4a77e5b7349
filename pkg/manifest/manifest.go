// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the declarative skill contract: identity, actions
// with their response modes, capabilities, limits, and entry point.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ResponseMode selects how an action's result reaches the caller.
type ResponseMode string

const (
	// ModeTemplate returns schema-constrained agent data filled into a fixed template.
	ModeTemplate ResponseMode = "template"
	// ModePassthrough returns free-form user content through a one-time reference.
	ModePassthrough ResponseMode = "passthrough"
)

// Valid reports whether m is one of the known modes.
func (m ResponseMode) Valid() bool {
	return m == ModeTemplate || m == ModePassthrough
}

// Schema is a JSON schema document in decoded form.
type Schema map[string]any

// Manifest describes a skill. It is immutable once loaded.
type Manifest struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Version      string              `json:"version"`
	Actions      map[string]*Action  `json:"actions"`
	Capabilities Capabilities        `json:"capabilities"`
	Limits       Limits              `json:"limits"`
	Entry        Entry               `json:"entry"`
	Config       *ConfigRequirements `json:"config,omitempty"`
	Author       string              `json:"author,omitempty"`
	Repository   string              `json:"repository,omitempty"`
	License      string              `json:"license,omitempty"`

	// Dir is the directory the manifest was loaded from, if any.
	Dir string `json:"-"`
}

// Capabilities lists what a skill may use at runtime.
type Capabilities struct {
	Tools                   []string           `json:"tools"`
	CanRequestClarification bool               `json:"canRequestClarification"`
	Session                 *SessionCapability `json:"session,omitempty"`
	Storage                 *StorageCapability `json:"storage,omitempty"`
}

// SessionCapability enables multi-turn state for a skill.
type SessionCapability struct {
	Enabled           bool  `json:"enabled"`
	MaxDurationMs     int64 `json:"maxDurationMs,omitempty"`
	MaxHistoryEntries int   `json:"maxHistoryEntries,omitempty"`
}

// StorageCapability enables the per-skill key-value store.
type StorageCapability struct {
	Enabled      bool  `json:"enabled"`
	MaxSizeBytes int64 `json:"maxSizeBytes,omitempty"`
	Persistent   bool  `json:"persistent,omitempty"`
}

// Limits bounds a single invocation.
type Limits struct {
	MaxExecutionTimeMs int64 `json:"maxExecutionTimeMs"`
	MaxLLMCalls        int   `json:"maxLlmCalls"`
	MaxToolCalls       int   `json:"maxToolCalls"`
}

// Entry locates the executable part of a skill.
type Entry struct {
	Module string `json:"module"`
	Export string `json:"export"`
}

// ConfigRequirements names external config values a skill needs.
type ConfigRequirements struct {
	Required []ConfigRequirement `json:"required,omitempty"`
	Optional []ConfigRequirement `json:"optional,omitempty"`
}

// ConfigRequirement is a single named config value.
type ConfigRequirement struct {
	Key         string  `json:"key"`
	Description string  `json:"description,omitempty"`
	Default     *string `json:"default,omitempty"`
}

// SessionEnabled reports whether the skill declares session support.
func (m *Manifest) SessionEnabled() bool {
	return m != nil && m.Capabilities.Session != nil && m.Capabilities.Session.Enabled
}

// StorageEnabled reports whether the skill declares the storage capability.
func (m *Manifest) StorageEnabled() bool {
	return m != nil && m.Capabilities.Storage != nil && m.Capabilities.Storage.Enabled
}

// Action returns the named action.
func (m *Manifest) Action(name string) (*Action, bool) {
	if m == nil {
		return nil, false
	}
	a, ok := m.Actions[name]
	return a, ok && a != nil
}

// ActionNames returns the action names in sorted order.
func (m *Manifest) ActionNames() []string {
	names := make([]string, 0, len(m.Actions))
	for name := range m.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	idPattern         = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	actionNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	versionPattern    = regexp.MustCompile(`^(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

const maxIDLen = 64

// Validate checks the structural rules every manifest must satisfy,
// independent of how it was produced.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch id := strings.TrimSpace(m.ID); {
	case id == "":
		add("id is required")
	case len(id) > maxIDLen:
		add("id exceeds %d characters", maxIDLen)
	case !idPattern.MatchString(id):
		add("id must match %s", idPattern.String())
	}
	if strings.TrimSpace(m.Name) == "" {
		add("name is required")
	}
	if !versionPattern.MatchString(m.Version) {
		add("version %q is not a semantic version", m.Version)
	}
	if len(m.Actions) == 0 {
		add("at least one action is required")
	}
	for _, name := range m.ActionNames() {
		if !actionNamePattern.MatchString(name) {
			add("action name %q must match %s", name, actionNamePattern.String())
		}
		action := m.Actions[name]
		if action == nil {
			add("action %s is empty", name)
			continue
		}
		for _, p := range action.problems() {
			add("action %s: %s", name, p)
		}
	}
	if m.Limits.MaxExecutionTimeMs <= 0 {
		add("limits.maxExecutionTimeMs must be positive")
	}
	if m.Limits.MaxLLMCalls < 0 || m.Limits.MaxToolCalls < 0 {
		add("limits must not be negative")
	}
	if strings.TrimSpace(m.Entry.Module) == "" {
		add("entry.module is required")
	}
	if strings.TrimSpace(m.Entry.Export) == "" {
		add("entry.export is required")
	}
	if s := m.Capabilities.Session; s != nil && (s.MaxDurationMs < 0 || s.MaxHistoryEntries < 0) {
		add("capabilities.session limits must not be negative")
	}
	if m.Config != nil {
		for _, req := range append(append([]ConfigRequirement(nil), m.Config.Required...), m.Config.Optional...) {
			if strings.TrimSpace(req.Key) == "" {
				add("config requirement key is required")
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{ManifestID: m.ID, Problems: problems}
	}
	return nil
}

// ValidationError lists every problem found in one manifest.
type ValidationError struct {
	ManifestID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	id := e.ManifestID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("invalid manifest %s: %s", id, strings.Join(e.Problems, "; "))
}

// Clone returns a deep copy through the wire form.
func (m *Manifest) Clone() (*Manifest, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out Manifest
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	out.Dir = m.Dir
	return &out, nil
}
