// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/skillgate/pkg/manifest"
)

// DefaultQuotaBytes bounds a skill's storage when neither the manifest nor
// the provider sets a quota.
const DefaultQuotaBytes int64 = 1 << 20

var (
	// ErrQuotaExceeded is returned when a write would exceed the skill's quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("storage key must not be empty")
)

// Storage is the key-value store a skill sees. Values are JSON-encodable.
type Storage interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Record is one stored value. A zero ExpiresAt never expires.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

func (r Record) size() int64 {
	return int64(len(r.Key) + len(r.Value))
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Backend persists records for many skills.
type Backend interface {
	Get(ctx context.Context, skillID, key string) (Record, bool, error)
	Put(ctx context.Context, skillID string, rec Record) error
	Delete(ctx context.Context, skillID, key string) (bool, error)
	Records(ctx context.Context, skillID string) ([]Record, error)
	Close() error
}

// scoped binds a backend to one skill and enforces TTL and quota.
type scoped struct {
	mu      sync.Mutex
	backend Backend
	skillID string
	quota   int64
	now     func() time.Time
}

func (s *scoped) Get(ctx context.Context, key string) (any, bool, error) {
	rec, ok, err := s.backend.Get(ctx, s.skillID, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.expired(s.now()) {
		_, err := s.backend.Delete(ctx, s.skillID, key)
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

func (s *scoped) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	rec := Record{Key: key, Value: raw}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.usage(ctx, key)
	if err != nil {
		return err
	}
	if used+rec.size() > s.quota {
		return fmt.Errorf("%w: skill %s uses %d of %d bytes", ErrQuotaExceeded, s.skillID, used, s.quota)
	}
	return s.backend.Put(ctx, s.skillID, rec)
}

func (s *scoped) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(ctx, s.skillID, key)
}

func (s *scoped) List(ctx context.Context, prefix string) ([]string, error) {
	recs, err := s.backend.Records(ctx, s.skillID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.expired(now) || !strings.HasPrefix(r.Key, prefix) {
			continue
		}
		keys = append(keys, r.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// usage sums live records other than skip. Expired records do not count.
func (s *scoped) usage(ctx context.Context, skip string) (int64, error) {
	recs, err := s.backend.Records(ctx, s.skillID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var total int64
	for _, r := range recs {
		if r.Key == skip || r.expired(now) {
			continue
		}
		total += r.size()
	}
	return total, nil
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	// QuotaBytes applies when a manifest does not declare maxSizeBytes.
	QuotaBytes int64
	Now        func() time.Time
}

// Provider hands out skill-scoped storage. Skills that do not ask for
// persistence are kept in memory regardless of the configured backend.
type Provider struct {
	mu        sync.Mutex
	backend   Backend
	ephemeral Backend
	opts      ProviderOptions
	scopes    map[string]*scoped
}

// NewProvider creates a provider over backend. A nil backend keeps everything
// in memory.
func NewProvider(backend Backend, opts ProviderOptions) *Provider {
	if opts.QuotaBytes <= 0 {
		opts.QuotaBytes = DefaultQuotaBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ephemeral := NewMemoryBackend()
	if backend == nil {
		backend = ephemeral
	}
	return &Provider{
		backend:   backend,
		ephemeral: ephemeral,
		opts:      opts,
		scopes:    make(map[string]*scoped),
	}
}

// For returns the storage for m, or nil when m does not enable storage.
func (p *Provider) For(m *manifest.Manifest) Storage {
	if !m.StorageEnabled() {
		return nil
	}
	capability := m.Capabilities.Storage

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.scopes[m.ID]; ok {
		return s
	}
	quota := p.opts.QuotaBytes
	if capability.MaxSizeBytes > 0 {
		quota = capability.MaxSizeBytes
	}
	backend := p.ephemeral
	if capability.Persistent {
		backend = p.backend
	}
	s := &scoped{backend: backend, skillID: m.ID, quota: quota, now: p.opts.Now}
	p.scopes[m.ID] = s
	return s
}

// Release forgets the scope of an unloaded skill. Stored data is kept.
func (p *Provider) Release(skillID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scopes, skillID)
}

// Close closes the underlying backends.
func (p *Provider) Close() error {
	var errs []error
	if p.backend != p.ephemeral {
		errs = append(errs, p.backend.Close())
	}
	errs = append(errs, p.ephemeral.Close())
	return errors.Join(errs...)
}
