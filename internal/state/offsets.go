package state

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"maxrelay/internal/security"
)

// OffsetStore is the durable map of MAX chat ID to the last relayed message
// ID. Absence of an entry means the chat was never processed and triggers a
// history backfill. Offsets only move forward; Set with an equal or smaller
// value is a no-op. All writes go through a single mutex and land on disk
// via atomic replace, so a crash never corrupts the previously committed
// state.
type OffsetStore struct {
	path string

	mu      sync.RWMutex
	offsets map[int64]int64
}

// NewOffsetStore loads the offset file if present. A missing file is not an
// error: it is the normal first-run state.
func NewOffsetStore(path string) (*OffsetStore, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid offsets path: %w", err)
	}

	s := &OffsetStore{
		path:    path,
		offsets: make(map[int64]int64),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets file: %w", err)
	}

	// Keys are stringified chat IDs, matching what JSON objects allow.
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse offsets file: %w", err)
	}
	for k, v := range raw {
		chatID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q in offsets file: %w", k, err)
		}
		s.offsets[chatID] = v
	}

	return s, nil
}

// Get returns the persisted offset for a chat. The second return value is
// false when the chat has never been processed.
func (s *OffsetStore) Get(chatID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.offsets[chatID]
	return off, ok
}

// Set advances the offset for a chat and persists the whole map. Setting a
// value at or below the current offset is observably a no-op, which also
// makes Set idempotent.
func (s *OffsetStore) Set(chatID, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, had := s.offsets[chatID]
	if had && offset <= current {
		return nil
	}

	s.offsets[chatID] = offset
	if err := s.save(); err != nil {
		// Roll back the in-memory value so memory matches disk
		if had {
			s.offsets[chatID] = current
		} else {
			delete(s.offsets, chatID)
		}
		return err
	}
	return nil
}

// Reset removes the offset for a chat, forcing a backfill on the next run.
func (s *OffsetStore) Reset(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.offsets[chatID]; !ok {
		return nil
	}
	prev := s.offsets[chatID]
	delete(s.offsets, chatID)
	if err := s.save(); err != nil {
		s.offsets[chatID] = prev
		return err
	}
	return nil
}

func (s *OffsetStore) save() error {
	raw := make(map[string]int64, len(s.offsets))
	for chatID, off := range s.offsets {
		raw[strconv.FormatInt(chatID, 10)] = off
	}
	data, err := marshalIndent(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal offsets: %w", err)
	}
	return writeFileAtomic(s.path, data)
}
