// SPDX-License-Identifier: Apache-2.0

// Package template fills {{field}} placeholders from agent-visible data.
//
// Resolution is fail-safe: a placeholder whose field is absent stays in the
// output verbatim, so a missing value is visibly missing instead of silently
// empty.
package template

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Resolve replaces every {{name}} in text with the string form of data[name].
func Resolve(text string, data map[string]any) string {
	if text == "" {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		value, ok := data[sub[1]]
		if !ok {
			return match
		}
		return Stringify(value)
	})
}

// Placeholders returns the field names referenced by text, in order of first
// appearance.
func Placeholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// Stringify renders a JSON-shaped value the way it should appear in text.
// Strings are inserted as is, whole numbers without a fraction and nil as
// "null". Arrays, maps and any other composite value render as compact JSON,
// so {{ids}} bound to ["a","b"] becomes ["a","b"], not a joined list.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return Stringify(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
