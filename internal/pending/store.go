// Package pending persists events that exhausted upstream delivery so they
// survive restarts and can be replayed at-least-once.
package pending

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accessbridge/bridge/internal/bridge"
)

// Record is one queued event plus the replay bookkeeping fields.
type Record struct {
	bridge.NormalizedEvent

	PendingID string `json:"pending_id"`
	SavedAt   string `json:"saved_at"`

	filePath string
}

// FilePath returns where this record lives on disk; empty for records that
// were never loaded from the store.
func (r *Record) FilePath() string { return r.filePath }

// Store is a directory of one-JSON-file-per-event. Writes go through a temp
// file, fsync, and rename so a crash never leaves a half-written record.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *log.Logger
}

// NewStore creates the directory if needed.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[PENDING] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pending: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Save queues one event for replay. The file name is a fresh UUID so
// concurrent saves never collide.
func (s *Store) Save(ev *bridge.NormalizedEvent) (string, error) {
	rec := Record{
		NormalizedEvent: *ev,
		PendingID:       uuid.New().String(),
		SavedAt:         time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pending: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := filepath.Join(s.dir, rec.PendingID+".json")
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("pending: open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("pending: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("pending: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("pending: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("pending: rename %s: %w", tmp, err)
	}

	s.logger.Printf("queued event %s for tenant %s (device %s)", rec.PendingID, ev.Tenant, ev.DeviceID)
	return final, nil
}

// LoadAll reads every queued record. Unreadable files are skipped with a
// warning rather than aborting the whole replay pass.
func (s *Store) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("pending: read dir %s: %w", s.dir, err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Printf("skipping unreadable pending file %s: %v", entry.Name(), err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Printf("skipping corrupt pending file %s: %v", entry.Name(), err)
			continue
		}
		rec.filePath = path
		records = append(records, &rec)
	}
	return records, nil
}

// Remove deletes a replayed record.
func (s *Store) Remove(rec *Record) error {
	if rec.filePath == "" {
		return fmt.Errorf("pending: record %s has no file path", rec.PendingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(rec.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pending: remove %s: %w", rec.filePath, err)
	}
	return nil
}

// Count returns the number of queued records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n
}

// CleanupOld drops records older than maxAge (by mtime). Returns how many
// were removed.
func (s *Store) CleanupOld(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Printf("failed to remove stale pending file %s: %v", entry.Name(), err)
				continue
			}
			s.logger.Printf("dropped stale pending file %s (older than %s)", entry.Name(), maxAge)
			removed++
		}
	}
	return removed
}
