package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sessionforge/assistant-core/internal/shared/types"
)

const indexFileName = "index.json"

// readIndex loads the shared index. A missing index means an empty store;
// a corrupt index is surfaced so the caller can decide how loudly to warn.
// Callers must hold indexMu for read-modify-write cycles.
func (s *Store) readIndex() ([]types.SessionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.root, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	var entries []types.SessionMetadata
	if err := decodeSized(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse session index: %w", err)
	}
	return entries, nil
}

// writeIndex persists the index sorted by creation time (oldest first).
// The creation-time ordering is deliberate: cleanup and history queries
// re-sort by last-active time for their own purposes.
func (s *Store) writeIndex(entries []types.SessionMetadata) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	data, err := encodeSmall(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal session index: %w", err)
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("failed to create store root: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, indexFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write session index: %w", err)
	}
	return nil
}

// upsertIndexEntry inserts or replaces one entry and rewrites the index.
// Caller must hold indexMu.
func (s *Store) upsertIndexEntry(entry types.SessionMetadata) error {
	entries, err := s.readIndex()
	if err != nil {
		// A corrupt index is rebuilt from this entry rather than blocking
		// saves forever; existing orphan directories stay ignored.
		s.log.Warn("session index unreadable, rebuilding", errField(err))
		entries = nil
	}

	replaced := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return s.writeIndex(entries)
}

// removeIndexEntry drops one entry and rewrites the index.
// Caller must hold indexMu.
func (s *Store) removeIndexEntry(id string) error {
	entries, err := s.readIndex()
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return s.writeIndex(kept)
}
