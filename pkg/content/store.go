// SPDX-License-Identifier: Apache-2.0

// Package content holds passthrough content behind one-time references.
//
// The content body is meant for direct display to a user. Agent-facing code
// only ever sees a Receipt.
package content

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an undelivered reference stays valid.
const DefaultTTL = 10 * time.Minute

// RefPrefix marks content reference ids.
const RefPrefix = "ref_"

// PassthroughContent is free-form content produced by a passthrough action.
type PassthroughContent struct {
	ContentType string         `json:"contentType"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Reference is a stored, not yet delivered, piece of content.
type Reference struct {
	Ref     string
	SkillID string
	Action  string
	Content PassthroughContent
	// Safe is the metadata subset that receipts may expose.
	Safe      map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Receipt is the agent-safe view of a delivery.
type Receipt struct {
	Delivered   bool           `json:"delivered"`
	ContentType string         `json:"contentType"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Delivery pairs the content body with its receipt.
type Delivery struct {
	Content PassthroughContent `json:"content"`
	Receipt Receipt            `json:"receipt"`
}

// Options configures a Store.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Store keeps content references in memory.
type Store struct {
	mu   sync.Mutex
	refs map[string]*Reference
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a content store. Zero options fall back to defaults.
func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		refs: make(map[string]*Reference),
		ttl:  opts.TTL,
		now:  opts.Now,
	}
}

// Store records c and returns a fresh reference. Receipts for the reference
// carry only the metadata keys named by safeKeys or by c.Metadata["safe"].
func (s *Store) Store(skillID, action string, c PassthroughContent, safeKeys ...string) string {
	ref := RefPrefix + uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref] = &Reference{
		Ref:       ref,
		SkillID:   skillID,
		Action:    action,
		Content:   c,
		Safe:      SafeMetadata(c.Metadata, safeKeys),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	return ref
}

// Deliver returns the content for ref and removes it. A second call, or a
// call after expiry, reports false.
func (s *Store) Deliver(ref string) (*Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.live(ref)
	if !ok {
		return nil, false
	}
	delete(s.refs, ref)
	return &Delivery{
		Content: r.Content,
		Receipt: Receipt{
			Delivered:   true,
			ContentType: r.Content.ContentType,
			Metadata:    r.Safe,
		},
	}, true
}

// Peek returns the content type and metadata for ref without consuming it.
func (s *Store) Peek(ref string) (*Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.live(ref)
	if !ok {
		return nil, false
	}
	return &Receipt{
		ContentType: r.Content.ContentType,
		Metadata:    r.Safe,
	}, true
}

// Purge drops every expired reference and returns how many were removed.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for ref, r := range s.refs {
		if now.After(r.ExpiresAt) {
			delete(s.refs, ref)
			removed++
		}
	}
	return removed
}

// Len returns the number of references currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// live must be called with mu held. Expired entries are evicted on access.
func (s *Store) live(ref string) (*Reference, bool) {
	r, ok := s.refs[ref]
	if !ok {
		return nil, false
	}
	if s.now().After(r.ExpiresAt) {
		delete(s.refs, ref)
		return nil, false
	}
	return r, true
}

// SafeKey is the metadata entry listing which other keys are agent-safe.
const SafeKey = "safe"

// SafeMetadata returns the entries of md whose keys appear in keys or in
// md[SafeKey]. The SafeKey entry itself is never returned.
func SafeMetadata(md map[string]any, keys []string) map[string]any {
	if len(md) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	switch list := md[SafeKey].(type) {
	case []string:
		for _, k := range list {
			allowed[k] = true
		}
	case []any:
		for _, k := range list {
			if name, ok := k.(string); ok {
				allowed[name] = true
			}
		}
	}
	var out map[string]any
	for k, v := range md {
		if k == SafeKey || !allowed[k] {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}
