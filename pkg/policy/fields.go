// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// UndeclaredFields lists the paths of object keys in data that schema does
// not describe through properties, patternProperties or a schema-valued
// additionalProperties. CheckAgentDataSchema never sees such keys, so their
// values are unconstrained even when data validates.
//
// data is compared in its JSON form. Paths use the notation of
// Violation.Path, so a top-level key is reported by its bare name.
func UndeclaredFields(schema map[string]any, data any) []string {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	f := fieldWalker{root: schema}
	f.walk(schema, doc, "")
	return f.found
}

type fieldWalker struct {
	root  map[string]any
	found []string
}

func (f *fieldWalker) walk(node map[string]any, value any, path string) {
	node = f.resolve(node)
	if node == nil {
		return
	}
	switch v := value.(type) {
	case map[string]any:
		for _, key := range sortedKeys(v) {
			child, covered := f.field(node, key, 0)
			if !covered {
				f.found = append(f.found, join(path, key))
				continue
			}
			f.walk(child, v[key], join(path, key))
		}
	case []any:
		prefix, _ := node["prefixItems"].([]any)
		items, _ := asMap(node["items"])
		for i, item := range v {
			child := items
			if i < len(prefix) {
				child, _ = asMap(prefix[i])
			}
			f.walk(child, item, path+"["+strconv.Itoa(i)+"]")
		}
	}
}

// field finds the subschema that governs key. covered is false when nothing
// in node or its allOf/anyOf/oneOf branches mentions the key. A false
// additionalProperties covers every key: the validator has already rejected
// the extra ones.
func (f *fieldWalker) field(node map[string]any, key string, depth int) (map[string]any, bool) {
	node = f.resolve(node)
	if node == nil || depth > maxRefDepth {
		return nil, false
	}
	if props, ok := asMap(node["properties"]); ok {
		if _, ok := props[key]; ok {
			child, _ := asMap(props[key])
			return child, true
		}
	}
	if patterns, ok := asMap(node["patternProperties"]); ok {
		for _, pattern := range sortedKeys(patterns) {
			if re, err := regexp.Compile(pattern); err == nil && re.MatchString(key) {
				child, _ := asMap(patterns[pattern])
				return child, true
			}
		}
	}
	switch extra := node["additionalProperties"].(type) {
	case bool:
		if !extra {
			return nil, true
		}
	default:
		if child, ok := asMap(extra); ok {
			return child, true
		}
	}
	for _, combinator := range []string{"allOf", "anyOf", "oneOf"} {
		branches, _ := node[combinator].([]any)
		for _, b := range branches {
			branch, ok := asMap(b)
			if !ok {
				continue
			}
			if child, covered := f.field(branch, key, depth+1); covered {
				return child, true
			}
		}
	}
	return nil, false
}

const maxRefDepth = 32

// resolve follows local $ref pointers such as "#/$defs/item".
func (f *fieldWalker) resolve(node map[string]any) map[string]any {
	for range maxRefDepth {
		ref, ok := node["$ref"].(string)
		if !ok || !strings.HasPrefix(ref, "#") {
			return node
		}
		var target any = f.root
		for _, seg := range strings.Split(strings.TrimPrefix(ref, "#"), "/") {
			if seg == "" {
				continue
			}
			seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
			m, ok := asMap(target)
			if !ok {
				return nil
			}
			target = m[seg]
		}
		next, ok := asMap(target)
		if !ok {
			return nil
		}
		node = next
	}
	return nil
}
