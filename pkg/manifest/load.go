// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/skillgate/pkg/schema"
)

// Filenames are the manifest names looked up inside a skill directory, in order.
var Filenames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

const metaSchemaKey = "skillgate:manifest"

//go:embed manifest.schema.json
var metaSchema []byte

// MetaSchema returns the JSON schema every manifest document must satisfy.
func MetaSchema() json.RawMessage {
	return append(json.RawMessage(nil), metaSchema...)
}

// Find returns the manifest file for path, which may be the file itself or a
// skill directory.
func Find(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return path, nil
	}
	for _, name := range Filenames {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no manifest (%s) in %s", strings.Join(Filenames, ", "), path)
}

// Load reads, schema-checks, decodes, and validates the manifest at path.
func Load(path string, v *schema.Validator) (*Manifest, error) {
	file, err := Find(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data, filepath.Ext(file), v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	m.Dir = filepath.Dir(file)
	return m, nil
}

// Parse decodes a manifest document in the format named by ext (".json",
// ".yaml", ".yml") and validates it against the meta-schema and the
// structural rules.
func Parse(data []byte, ext string, v *schema.Validator) (*Manifest, error) {
	doc, err := decodeDocument(data, ext)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(v, doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateDocument checks a decoded manifest document against the meta-schema.
func ValidateDocument(v *schema.Validator, doc any) error {
	if v == nil {
		v = schema.NewValidator()
	}
	compiled, err := v.Compile(metaSchemaKey, json.RawMessage(metaSchema))
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}
	res := v.Validate(compiled, doc)
	if res.Valid {
		return nil
	}
	id := ""
	if obj, ok := doc.(map[string]any); ok {
		id, _ = obj["id"].(string)
	}
	return &ValidationError{ManifestID: id, Problems: res.Errors}
}

func decodeDocument(data []byte, ext string) (any, error) {
	var doc any
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse manifest yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse manifest json: %w", err)
		}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("manifest must be an object")
	}
	return doc, nil
}
