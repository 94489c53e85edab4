package fabric

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// PresenceStore tracks which identities are present in a channel. A user
// with several connections counts once; Add and Remove report whether the
// user's presence actually changed.
type PresenceStore interface {
	Add(ctx context.Context, channel, userID string) (joined bool, err error)
	Remove(ctx context.Context, channel, userID string) (left bool, err error)
	Members(ctx context.Context, channel string) ([]string, error)
}

type MemoryPresenceStore struct {
	mu       sync.Mutex
	channels map[string]map[string]int // channel -> userID -> connection count
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{channels: make(map[string]map[string]int)}
}

func (s *MemoryPresenceStore) Add(_ context.Context, channel, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[channel]
	if !ok {
		members = make(map[string]int)
		s.channels[channel] = members
	}
	members[userID]++
	return members[userID] == 1, nil
}

func (s *MemoryPresenceStore) Remove(_ context.Context, channel, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[channel]
	if !ok || members[userID] == 0 {
		return false, nil
	}
	members[userID]--
	if members[userID] > 0 {
		return false, nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(s.channels, channel)
	}
	return true, nil
}

func (s *MemoryPresenceStore) Members(_ context.Context, channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := lo.Keys(s.channels[channel])
	slices.Sort(ids)
	return ids, nil
}
