// SPDX-License-Identifier: Apache-2.0

// Package capability provides the config and storage capabilities handed to
// skills. The gateway passes them through without reading their contents.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/v2"

	"github.com/jllopis/skillgate/pkg/manifest"
)

// ErrMissingConfig is returned when a skill's required config keys are absent.
var ErrMissingConfig = errors.New("missing required config")

// ConfigReader is a read-only, skill-scoped view of configuration values.
type ConfigReader interface {
	Get(key string) (string, bool)
	Has(key string) bool
	Keys() []string
}

// KoanfSource returns the koanf instance to read from. It is called on every
// lookup so a reloaded configuration is picked up.
type KoanfSource func() *koanf.Koanf

// KoanfConfig reads values under skills.<skillID>. from a koanf instance.
type KoanfConfig struct {
	src    KoanfSource
	prefix string
}

// NewKoanfConfig scopes src to the given skill.
func NewKoanfConfig(src KoanfSource, skillID string) *KoanfConfig {
	return &KoanfConfig{src: src, prefix: "skills." + skillID + "."}
}

func (c *KoanfConfig) instance() *koanf.Koanf {
	if c == nil || c.src == nil {
		return nil
	}
	return c.src()
}

// Get returns the value for key as a string.
func (c *KoanfConfig) Get(key string) (string, bool) {
	k := c.instance()
	if k == nil || !k.Exists(c.prefix+key) {
		return "", false
	}
	return k.String(c.prefix + key), true
}

// Has reports whether key is set.
func (c *KoanfConfig) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Keys lists the keys set for the skill.
func (c *KoanfConfig) Keys() []string {
	k := c.instance()
	if k == nil {
		return nil
	}
	var keys []string
	for _, key := range k.Keys() {
		if strings.HasPrefix(key, c.prefix) {
			keys = append(keys, strings.TrimPrefix(key, c.prefix))
		}
	}
	sort.Strings(keys)
	return keys
}

// StaticConfig is a fixed map of values.
type StaticConfig map[string]string

// Get returns the value for key.
func (s StaticConfig) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Has reports whether key is set.
func (s StaticConfig) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys lists all keys in sorted order.
func (s StaticConfig) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type withDefaults struct {
	base     ConfigReader
	defaults map[string]string
}

// WithDefaults layers the optional defaults declared by m under base.
func WithDefaults(base ConfigReader, m *manifest.Manifest) ConfigReader {
	if m == nil || m.Config == nil {
		return base
	}
	defaults := make(map[string]string)
	for _, req := range append(append([]manifest.ConfigRequirement(nil), m.Config.Required...), m.Config.Optional...) {
		if req.Default != nil {
			defaults[req.Key] = *req.Default
		}
	}
	if len(defaults) == 0 {
		return base
	}
	if base == nil {
		base = StaticConfig{}
	}
	return &withDefaults{base: base, defaults: defaults}
}

func (w *withDefaults) Get(key string) (string, bool) {
	if v, ok := w.base.Get(key); ok {
		return v, true
	}
	v, ok := w.defaults[key]
	return v, ok
}

func (w *withDefaults) Has(key string) bool {
	_, ok := w.Get(key)
	return ok
}

func (w *withDefaults) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, k := range w.base.Keys() {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range w.defaults {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// CheckRequired reports every required key of m that r cannot supply.
func CheckRequired(r ConfigReader, m *manifest.Manifest) error {
	if m == nil || m.Config == nil {
		return nil
	}
	var missing []string
	for _, req := range m.Config.Required {
		if req.Default != nil {
			continue
		}
		if r == nil || !r.Has(req.Key) {
			missing = append(missing, req.Key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w for skill %s: %s", ErrMissingConfig, m.ID, strings.Join(missing, ", "))
	}
	return nil
}
