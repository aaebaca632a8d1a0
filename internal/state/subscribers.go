package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"maxrelay/internal/security"
)

// Subscriber is one Telegram user known to the command bot, with the MAX
// chats they are subscribed to.
type Subscriber struct {
	Username string  `json:"username,omitempty"`
	Name     string  `json:"name,omitempty"`
	Chats    []int64 `json:"chats"`
}

type subscribersFile struct {
	Users map[string]*Subscriber `json:"users"`
}

// SubscriberStore maps MAX chats to the Telegram recipients subscribed to
// them. Mutated by the command bot, read as snapshots by the relay core.
// A recipient appears at most once per chat.
type SubscriberStore struct {
	path string

	mu    sync.RWMutex
	users map[int64]*Subscriber
}

// NewSubscriberStore loads the subscribers file; a missing file starts
// empty.
func NewSubscriberStore(path string) (*SubscriberStore, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid subscribers path: %w", err)
	}

	s := &SubscriberStore{
		path:  path,
		users: make(map[int64]*Subscriber),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscribers file: %w", err)
	}

	var f subscribersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse subscribers file: %w", err)
	}
	for k, sub := range f.Users {
		userID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q in subscribers file: %w", k, err)
		}
		if sub == nil {
			sub = &Subscriber{}
		}
		s.users[userID] = sub
	}

	return s, nil
}

// EnsureUser records a Telegram user the first time they talk to the bot
// and refreshes their profile fields on later contacts.
func (s *SubscriberStore) EnsureUser(userID int64, username, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.users[userID]
	if !exists {
		s.users[userID] = &Subscriber{Username: username, Name: name}
		if err := s.save(); err != nil {
			delete(s.users, userID)
			return err
		}
		return nil
	}

	prev := *sub
	changed := false
	if username != "" && sub.Username != username {
		sub.Username = username
		changed = true
	}
	if name != "" && sub.Name != name {
		sub.Name = name
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.save(); err != nil {
		// keep memory in step with disk
		*sub = prev
		return err
	}
	return nil
}

// Subscribe adds a chat to a user's subscription set. Subscribing twice is
// a no-op.
func (s *SubscriberStore) Subscribe(userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.users[userID]
	if !exists {
		sub = &Subscriber{}
		s.users[userID] = sub
	}
	for _, c := range sub.Chats {
		if c == chatID {
			return nil
		}
	}
	prev := append([]int64(nil), sub.Chats...)
	sub.Chats = append(sub.Chats, chatID)
	sort.Slice(sub.Chats, func(i, j int) bool { return sub.Chats[i] < sub.Chats[j] })
	if err := s.save(); err != nil {
		sub.Chats = prev
		if !exists {
			delete(s.users, userID)
		}
		return err
	}
	return nil
}

// Unsubscribe removes a chat from a user's subscription set.
func (s *SubscriberStore) Unsubscribe(userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.users[userID]
	if !exists {
		return nil
	}
	for i, c := range sub.Chats {
		if c == chatID {
			prev := append([]int64(nil), sub.Chats...)
			sub.Chats = append(sub.Chats[:i], sub.Chats[i+1:]...)
			if err := s.save(); err != nil {
				sub.Chats = prev
				return err
			}
			return nil
		}
	}
	return nil
}

// ChatsOf returns the chats a user is subscribed to.
func (s *SubscriberStore) ChatsOf(userID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.users[userID]
	if !exists {
		return nil
	}
	return append([]int64(nil), sub.Chats...)
}

// SubscribersFor returns the sorted recipient set for one chat.
func (s *SubscriberStore) SubscribersFor(chatID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribersForLocked(chatID)
}

func (s *SubscriberStore) subscribersForLocked(chatID int64) []int64 {
	var recipients []int64
	for userID, sub := range s.users {
		for _, c := range sub.Chats {
			if c == chatID {
				recipients = append(recipients, userID)
				break
			}
		}
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })
	return recipients
}

// Snapshot returns the full chat-to-recipients mapping as a copy.
func (s *SubscriberStore) Snapshot() map[int64][]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := make(map[int64]struct{})
	for _, sub := range s.users {
		for _, c := range sub.Chats {
			chats[c] = struct{}{}
		}
	}
	snap := make(map[int64][]int64, len(chats))
	for c := range chats {
		snap[c] = s.subscribersForLocked(c)
	}
	return snap
}

// Users returns all known subscribers keyed by Telegram user ID.
func (s *SubscriberStore) Users() map[int64]Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]Subscriber, len(s.users))
	for id, sub := range s.users {
		copied := *sub
		copied.Chats = append([]int64(nil), sub.Chats...)
		out[id] = copied
	}
	return out
}

func (s *SubscriberStore) save() error {
	f := subscribersFile{Users: make(map[string]*Subscriber, len(s.users))}
	for id, sub := range s.users {
		f.Users[strconv.FormatInt(id, 10)] = sub
	}
	data, err := marshalIndent(f)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribers: %w", err)
	}
	return writeFileAtomic(s.path, data)
}
