// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/manifest"
)

func obj(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

func str(extra map[string]any) map[string]any {
	out := map[string]any{"type": "string"}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestConstrainedStringsPass(t *testing.T) {
	schema := obj(map[string]any{
		"template": str(map[string]any{"enum": []any{"success", "empty"}}),
		"kind":     str(map[string]any{"const": "article"}),
		"code":     str(map[string]any{"pattern": "^[A-Z]{3}$"}),
		"id":       str(map[string]any{"format": "id"}),
		"when":     str(map[string]any{"format": "date-time"}),
		"day":      str(map[string]any{"format": "date"}),
		"uid":      str(map[string]any{"format": "uuid"}),
		"mail":     str(map[string]any{"format": "email"}),
		"link":     str(map[string]any{"format": "url"}),
		"count":    map[string]any{"type": "integer"},
		"flag":     map[string]any{"type": "boolean"},
	})
	assert.Empty(t, CheckAgentDataSchema(schema))
}

func TestUnconstrainedStringsReported(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		path   string
	}{
		{
			name:   "top-level property",
			schema: obj(map[string]any{"title": str(nil)}),
			path:   "properties.title",
		},
		{
			name:   "format not allow-listed",
			schema: obj(map[string]any{"host": str(map[string]any{"format": "hostname"})}),
			path:   "properties.host",
		},
		{
			name:   "empty enum",
			schema: obj(map[string]any{"x": str(map[string]any{"enum": []any{}})}),
			path:   "properties.x",
		},
		{
			name: "array items object",
			schema: obj(map[string]any{
				"items": map[string]any{"type": "array", "items": obj(map[string]any{"name": str(nil)})},
			}),
			path: "properties.items.items.properties.name",
		},
		{
			name: "additionalProperties",
			schema: map[string]any{
				"type":                 "object",
				"additionalProperties": str(nil),
			},
			path: "additionalProperties",
		},
		{
			name: "oneOf branch",
			schema: obj(map[string]any{
				"value": map[string]any{"oneOf": []any{map[string]any{"type": "integer"}, str(nil)}},
			}),
			path: "properties.value.oneOf[1]",
		},
		{
			name: "anyOf branch",
			schema: obj(map[string]any{
				"value": map[string]any{"anyOf": []any{str(map[string]any{"const": "x"}), str(nil)}},
			}),
			path: "properties.value.anyOf[1]",
		},
		{
			name: "type list",
			schema: obj(map[string]any{
				"maybe": map[string]any{"type": []any{"string", "null"}},
			}),
			path: "properties.maybe",
		},
		{
			name: "definitions",
			schema: map[string]any{
				"type":  "object",
				"$defs": map[string]any{"note": str(nil)},
			},
			path: "$defs.note",
		},
		{
			name:   "root string",
			schema: str(nil),
			path:   "(root)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := CheckAgentDataSchema(tt.schema)
			require.Len(t, violations, 1)
			assert.Equal(t, RuleUnconstrainedString, violations[0].Rule)
			assert.Equal(t, tt.path, violations[0].Path)
		})
	}
}

func TestManifestSchemaNestedTypes(t *testing.T) {
	// Nested manifest.Schema values built in Go are walked like decoded maps.
	schema := manifest.Schema{
		"type": "object",
		"properties": manifest.Schema{
			"summary": manifest.Schema{"type": "string"},
		},
	}
	violations := CheckAgentDataSchema(schema)
	require.Len(t, violations, 1)
	assert.Equal(t, "properties.summary", violations[0].Path)
}

func TestCheckTemplateFields(t *testing.T) {
	schema := obj(map[string]any{
		"count":  map[string]any{"type": "integer"},
		"nested": obj(map[string]any{"inner": map[string]any{"type": "integer"}}),
	})
	templates := map[string]manifest.ResponseTemplate{
		"ok":      {Text: "Found {{count}} results"},
		"broken":  {Text: "Missing {{total}} and {{count}}"},
		"deep":    {Text: "{{inner}}"},
		"literal": {Text: "No placeholders"},
	}
	violations := CheckTemplateFields(schema, templates)
	require.Len(t, violations, 2)
	assert.Equal(t, "broken", violations[0].Template)
	assert.Equal(t, "properties.total", violations[0].Path)
	assert.Equal(t, "deep", violations[1].Template)
	assert.Equal(t, RuleUnknownTemplateField, violations[1].Rule)
}

func TestCheckManifestFixture(t *testing.T) {
	m, err := manifest.Load(filepath.Join("..", "manifest", "testdata", "article-search"), nil)
	require.NoError(t, err)

	report := CheckManifest(m)
	assert.True(t, report.OK(), report.Lines())
	assert.NoError(t, report.Err())
}

func TestCheckManifestViolations(t *testing.T) {
	m := &manifest.Manifest{
		ID: "leaky",
		Actions: map[string]*manifest.Action{
			"search": manifest.NewTemplateAction("",
				manifest.Schema{"type": "object"},
				obj(map[string]any{"summary": str(nil), "count": map[string]any{"type": "integer"}}),
				map[string]manifest.ResponseTemplate{"ok": {Text: "{{summary}} {{missing}}"}}),
			// Passthrough content is free text and is not checked.
			"read": manifest.NewPassthroughAction("",
				manifest.Schema{"type": "object"},
				obj(map[string]any{"content": str(nil)})),
		},
	}
	report := CheckManifest(m)
	require.False(t, report.OK())
	require.Len(t, report.Violations, 2)
	for _, v := range report.Violations {
		assert.Equal(t, "search", v.Action)
	}

	err := report.Err()
	var perr *PolicyError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "leaky")
	assert.Contains(t, err.Error(), "properties.summary")
	assert.Contains(t, err.Error(), "{{missing}}")
}

func TestCheckManifestNil(t *testing.T) {
	assert.True(t, CheckManifest(nil).OK())
}
