// Package nonce persists the set of admin-command nonces that have already
// been accepted, so a captured transaction can never be replayed.
package nonce

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is a flat-file map of nonce to first-seen time. Single writer: the
// monitor loop is the only process that mutates it.
type Store struct {
	path  string
	seen  map[string]int64
	clock func() time.Time
}

// Open loads the store from disk, initializing an empty one if the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		seen:  make(map[string]int64),
		clock: time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read nonce store %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.seen); err != nil {
		return nil, fmt.Errorf("failed to parse nonce store %s: %w", path, err)
	}
	return s, nil
}

// Seen reports whether the nonce has already been accepted.
func (s *Store) Seen(nonce string) bool {
	_, ok := s.seen[nonce]
	return ok
}

// MarkUsed records the nonce and persists the store before returning, so a
// crash between marking and dispatch cannot reopen the replay window.
func (s *Store) MarkUsed(nonce string) error {
	s.seen[nonce] = s.clock().Unix()
	return s.save()
}

// Prune drops nonces older than maxAge and reports how many were removed.
// A pruned nonce is only acceptable again because the HMAC'd message it
// protected is itself too old to matter.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	cutoff := s.clock().Add(-maxAge).Unix()
	removed := 0
	for nonce, firstSeen := range s.seen {
		if firstSeen < cutoff {
			delete(s.seen, nonce)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Len returns the number of retained nonces.
func (s *Store) Len() int {
	return len(s.seen)
}

// save writes the store atomically: temp file in the same directory, then
// rename, so readers never observe a partial write.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.seen, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal nonce store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".nonces-*")
	if err != nil {
		return fmt.Errorf("failed to create temp nonce file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write nonce store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync nonce store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close nonce store: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace nonce store: %w", err)
	}
	return nil
}
