// SPDX-License-Identifier: Apache-2.0

// Package schema compiles and caches JSON schemas and validates values against
// them, reporting path-qualified errors rooted at "root".
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is the outcome of validating one value.
type Result struct {
	Valid  bool
	Errors []string
}

// Compiled is a compiled schema ready for validation.
type Compiled struct {
	key    string
	schema *jsonschema.Schema
}

// Key returns the cache key the schema was compiled under.
func (c *Compiled) Key() string {
	if c == nil {
		return ""
	}
	return c.key
}

// Validator compiles schemas once per key and validates values against them.
// It is safe for concurrent use.
type Validator struct {
	cache sync.Map // key -> *Compiled
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Compile compiles schema and caches it under key. Subsequent calls with the
// same key return the cached form without looking at schema again.
// schema may be raw JSON bytes, a json.RawMessage, or any JSON-encodable value.
func (v *Validator) Compile(key string, schema any) (*Compiled, error) {
	if key == "" {
		return nil, errors.New("schema key is required")
	}
	if cached, ok := v.cache.Load(key); ok {
		return cached.(*Compiled), nil
	}

	raw, err := toJSON(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema %s: %w", key, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	for name, check := range formats {
		compiler.Formats[name] = check
	}
	resource := "skillgate://schemas/" + url.PathEscape(key) + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", key, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", key, err)
	}

	c := &Compiled{key: key, schema: compiled}
	actual, _ := v.cache.LoadOrStore(key, c)
	return actual.(*Compiled), nil
}

// Forget drops the cached schema stored under key.
func (v *Validator) Forget(key string) {
	v.cache.Delete(key)
}

// ForgetPrefix drops every cached schema whose key starts with prefix.
func (v *Validator) ForgetPrefix(prefix string) {
	v.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			v.cache.Delete(k)
		}
		return true
	})
}

// Validate checks value against c. Values are normalized through a JSON round
// trip so Go structs and decoded maps validate identically.
func (v *Validator) Validate(c *Compiled, value any) Result {
	if c == nil || c.schema == nil {
		return Result{Valid: false, Errors: []string{"root: schema is not compiled"}}
	}
	doc, err := normalize(value)
	if err != nil {
		return Result{Valid: false, Errors: []string{"root: value is not JSON encodable: " + err.Error()}}
	}
	if err := c.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return Result{Valid: false, Errors: flatten(verr)}
		}
		return Result{Valid: false, Errors: []string{"root: " + err.Error()}}
	}
	return Result{Valid: true}
}

// CompileAndValidate is a convenience for one-off checks.
func (v *Validator) CompileAndValidate(key string, schema any, value any) (Result, error) {
	c, err := v.Compile(key, schema)
	if err != nil {
		return Result{}, err
	}
	return v.Validate(c, value), nil
}

func toJSON(schema any) ([]byte, error) {
	switch s := schema.(type) {
	case nil:
		return []byte(`{}`), nil
	case json.RawMessage:
		if len(s) == 0 {
			return []byte(`{}`), nil
		}
		return s, nil
	case []byte:
		if len(s) == 0 {
			return []byte(`{}`), nil
		}
		return s, nil
	case string:
		return []byte(s), nil
	default:
		return json.Marshal(s)
	}
}

func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// flatten collects the leaf causes of a validation error, which carry the
// most specific messages.
func flatten(err *jsonschema.ValidationError) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			msg := Path(e.InstanceLocation) + ": " + message(e)
			if !seen[msg] {
				seen[msg] = true
				out = append(out, msg)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(err)
	sort.Strings(out)
	return out
}

// message returns the error text without the offending value. Format
// failures quote the instance, which may be untrusted skill output.
func message(e *jsonschema.ValidationError) string {
	if strings.HasSuffix(e.KeywordLocation, "/format") {
		if i := strings.LastIndex(e.Message, " is not valid "); i >= 0 {
			return "value" + e.Message[i:]
		}
	}
	return e.Message
}

// Path converts a JSON pointer such as /items/2/id into root.items[2].id.
func Path(pointer string) string {
	var b strings.Builder
	b.WriteString("root")
	if pointer == "" || pointer == "/" {
		return b.String()
	}
	for _, seg := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String()
}
