// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultFlushDelay is how long writes are batched before hitting disk.
const DefaultFlushDelay = 500 * time.Millisecond

// FileBackend stores each skill's records as a JSON file. Writes land in an
// in-process cache immediately and are flushed after a short delay, so reads
// always see prior writes and disk catches up eventually.
type FileBackend struct {
	mu     sync.Mutex
	dir    string
	delay  time.Duration
	cache  map[string]map[string]Record
	dirty  map[string]bool
	timer  *time.Timer
	closed bool
}

// NewFileBackend creates a file backend rooted at dir. A non-positive delay
// writes synchronously.
func NewFileBackend(dir string, delay time.Duration) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{
		dir:   dir,
		delay: delay,
		cache: make(map[string]map[string]Record),
		dirty: make(map[string]bool),
	}, nil
}

func (f *FileBackend) skillFile(skillID string) string {
	// Sanitize skillID to prevent path traversal
	return filepath.Join(f.dir, filepath.Base(skillID)+".json")
}

// Get returns the record for key.
func (f *FileBackend) Get(_ context.Context, skillID, key string) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(skillID)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := bucket[key]
	return rec, ok, nil
}

// Put stores rec and schedules a flush.
func (f *FileBackend) Put(_ context.Context, skillID string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(skillID)
	if err != nil {
		return err
	}
	bucket[rec.Key] = rec
	return f.markDirty(skillID)
}

// Delete removes key and schedules a flush.
func (f *FileBackend) Delete(_ context.Context, skillID, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(skillID)
	if err != nil {
		return false, err
	}
	if _, ok := bucket[key]; !ok {
		return false, nil
	}
	delete(bucket, key)
	return true, f.markDirty(skillID)
}

// Records returns every record of skillID.
func (f *FileBackend) Records(_ context.Context, skillID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, err := f.load(skillID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, rec)
	}
	return out, nil
}

// Flush writes every pending change to disk.
func (f *FileBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

// Close flushes pending changes and stops the flush timer.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.closed = true
	return f.flushLocked()
}

func (f *FileBackend) load(skillID string) (map[string]Record, error) {
	if bucket, ok := f.cache[skillID]; ok {
		return bucket, nil
	}
	bucket := make(map[string]Record)
	data, err := os.ReadFile(f.skillFile(skillID))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var recs []Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("failed to parse storage file for %s: %w", skillID, err)
		}
		for _, rec := range recs {
			bucket[rec.Key] = rec
		}
	}
	f.cache[skillID] = bucket
	return bucket, nil
}

func (f *FileBackend) markDirty(skillID string) error {
	f.dirty[skillID] = true
	if f.delay <= 0 || f.closed {
		return f.flushLocked()
	}
	if f.timer == nil {
		f.timer = time.AfterFunc(f.delay, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.timer = nil
			if err := f.flushLocked(); err != nil {
				slog.Warn("storage.flush.failed", "dir", f.dir, "error", err)
			}
		})
	}
	return nil
}

func (f *FileBackend) flushLocked() error {
	var errs []error
	for skillID := range f.dirty {
		if err := f.save(skillID); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(f.dirty, skillID)
	}
	return errors.Join(errs...)
}

func (f *FileBackend) save(skillID string) error {
	bucket := f.cache[skillID]
	recs := make([]Record, 0, len(bucket))
	for _, rec := range bucket {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage for %s: %w", skillID, err)
	}
	path := f.skillFile(skillID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
