// SPDX-License-Identifier: Apache-2.0

// Package session keeps multi-turn state for session-enabled skills.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/manifest"
)

const (
	// DefaultMaxDuration bounds the lifetime of a session.
	DefaultMaxDuration = 30 * time.Minute
	// DefaultMaxHistoryEntries caps the history kept per session.
	DefaultMaxHistoryEntries = 20
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// HistoryEntry records one completed call.
type HistoryEntry struct {
	Timestamp   time.Time                   `json:"timestamp"`
	Action      string                      `json:"action"`
	AgentData   map[string]any              `json:"agentData,omitempty"`
	UserContent *content.PassthroughContent `json:"userContent,omitempty"`
}

// Pending is a call suspended on a clarification request.
type Pending struct {
	Action    string             `json:"action"`
	Input     map[string]any     `json:"input"`
	Questions []clarify.Question `json:"questions"`
}

// Session is per-conversation state owned by one skill.
type Session struct {
	ID             string         `json:"sessionId"`
	SkillID        string         `json:"skillId"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	History        []HistoryEntry `json:"history"`
	Pending        *Pending       `json:"pending,omitempty"`

	maxHistory int
}

func (s *Session) clone() *Session {
	c := *s
	c.History = append([]HistoryEntry(nil), s.History...)
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}

// Options configures a Store.
type Options struct {
	MaxDuration       time.Duration
	MaxHistoryEntries int
	Now               func() time.Time
}

// Store is an in-memory session store. Mutations of the table are guarded by
// a single mutex; Lock serializes whole calls on one session id.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a session store. Zero options fall back to defaults.
func NewStore(opts Options) *Store {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.MaxHistoryEntries <= 0 {
		opts.MaxHistoryEntries = DefaultMaxHistoryEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		sessions: make(map[string]*Session),
		opts:     opts,
		locks:    make(map[string]*keyLock),
	}
}

// Create starts a session for skillID. Limits declared by the skill's session
// capability override the store defaults.
func (s *Store) Create(skillID string, capability *manifest.SessionCapability) *Session {
	duration := s.opts.MaxDuration
	maxHistory := s.opts.MaxHistoryEntries
	if capability != nil {
		if capability.MaxDurationMs > 0 {
			duration = time.Duration(capability.MaxDurationMs) * time.Millisecond
		}
		if capability.MaxHistoryEntries > 0 {
			maxHistory = capability.MaxHistoryEntries
		}
	}

	now := s.opts.Now()
	sess := &Session{
		ID:             uuid.NewString(),
		SkillID:        skillID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(duration),
		History:        []HistoryEntry{},
		maxHistory:     maxHistory,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess.clone()
}

// Get returns a copy of the session and marks it active. Expired sessions are
// evicted and reported as missing.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(id)
	if !ok {
		return nil, false
	}
	sess.LastActivityAt = s.opts.Now()
	return sess.clone(), true
}

// AddHistory appends entry and drops the oldest entries beyond the cap.
func (s *Store) AddHistory(id string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.opts.Now()
	}
	sess.History = append(sess.History, entry)
	if over := len(sess.History) - sess.maxHistory; over > 0 {
		sess.History = append([]HistoryEntry(nil), sess.History[over:]...)
	}
	sess.LastActivityAt = entry.Timestamp
	return nil
}

// SetPending records or clears (nil) the suspended call of a session.
func (s *Store) SetPending(id string, p *Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	sess.Pending = p
	sess.LastActivityAt = s.opts.Now()
	return nil
}

// Delete removes a session. It reports whether one existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Cleanup evicts every expired session and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IDs returns the ids of all held sessions in sorted order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lock acquires the per-session call lock and returns its release func.
// Locks for different ids are independent.
func (s *Store) Lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// live must be called with mu held.
func (s *Store) live(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.opts.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return nil, false
	}
	return sess, true
}
