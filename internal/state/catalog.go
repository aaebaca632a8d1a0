package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"maxrelay/internal/models"
	"maxrelay/internal/security"
)

type catalogFile struct {
	Groups []models.CatalogEntry `json:"groups"`
}

// CatalogStore holds the admin-curated list of MAX chats eligible for
// relay. Entries are soft-deactivated, never removed, so offsets recorded
// for a chat survive it being hidden and re-added. The relay core reads
// immutable snapshots; the command bot mutates through Upsert/Deactivate.
type CatalogStore struct {
	path string

	mu      sync.RWMutex
	entries map[int64]models.CatalogEntry
	order   []int64
}

// NewCatalogStore loads the catalog file and merges in chats listed in the
// config so a fresh deployment starts with its configured routes.
func NewCatalogStore(path string, initialChats []int64) (*CatalogStore, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid catalog path: %w", err)
	}

	s := &CatalogStore{
		path:    path,
		entries: make(map[int64]models.CatalogEntry),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to seeding
	case err != nil:
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	default:
		var f catalogFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse catalog file: %w", err)
		}
		for _, e := range f.Groups {
			if _, exists := s.entries[e.ChatID]; exists {
				return nil, fmt.Errorf("duplicate chat id %d in catalog file", e.ChatID)
			}
			s.entries[e.ChatID] = e
			s.order = append(s.order, e.ChatID)
		}
	}

	changed := false
	for _, chatID := range initialChats {
		if _, exists := s.entries[chatID]; !exists {
			s.entries[chatID] = models.CatalogEntry{ChatID: chatID, Active: true}
			s.order = append(s.order, chatID)
			changed = true
		}
	}
	if changed || os.IsNotExist(err) {
		if err := s.save(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Snapshot returns a copy of all entries keyed by chat ID. The relay
// coordinator pulls one per iteration instead of holding the store locked
// across slow deliveries.
func (s *CatalogStore) Snapshot() map[int64]models.CatalogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[int64]models.CatalogEntry, len(s.entries))
	for id, e := range s.entries {
		snap[id] = e
	}
	return snap
}

// ActiveChats returns the IDs of all active entries in catalog order.
func (s *CatalogStore) ActiveChats() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for _, id := range s.order {
		if s.entries[id].Active {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns the entry for a chat, if present.
func (s *CatalogStore) Get(chatID int64) (models.CatalogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[chatID]
	return e, ok
}

// Upsert adds a chat to the catalog or reactivates an existing entry. An
// empty displayName keeps the stored one.
func (s *CatalogStore) Upsert(chatID int64, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[chatID]
	prev := e
	if !exists {
		e = models.CatalogEntry{ChatID: chatID}
		s.order = append(s.order, chatID)
	}
	e.Active = true
	if displayName != "" {
		e.DisplayName = displayName
	}
	s.entries[chatID] = e
	if err := s.save(); err != nil {
		// keep memory in step with disk
		if exists {
			s.entries[chatID] = prev
		} else {
			delete(s.entries, chatID)
			s.order = s.order[:len(s.order)-1]
		}
		return err
	}
	return nil
}

// Deactivate soft-deletes a catalog entry. The relay pipeline skips
// deactivated chats; their offsets are kept.
func (s *CatalogStore) Deactivate(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[chatID]
	if !exists || !e.Active {
		return nil
	}
	prev := e
	e.Active = false
	s.entries[chatID] = e
	if err := s.save(); err != nil {
		s.entries[chatID] = prev
		return err
	}
	return nil
}

// SetDisplayName updates the label shown in relayed message headers.
func (s *CatalogStore) SetDisplayName(chatID int64, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[chatID]
	if !exists {
		return fmt.Errorf("chat %d not in catalog", chatID)
	}
	if e.DisplayName == displayName {
		return nil
	}
	prev := e
	e.DisplayName = displayName
	s.entries[chatID] = e
	if err := s.save(); err != nil {
		s.entries[chatID] = prev
		return err
	}
	return nil
}

func (s *CatalogStore) save() error {
	f := catalogFile{Groups: make([]models.CatalogEntry, 0, len(s.entries))}
	ids := append([]int64(nil), s.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		f.Groups = append(f.Groups, s.entries[id])
	}
	data, err := marshalIndent(f)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	return writeFileAtomic(s.path, data)
}
