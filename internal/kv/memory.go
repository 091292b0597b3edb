package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments without Redis.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memEntry
	sets   map[string]memSet
	subs   map[string][]*memSub
	closed bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type memSub struct {
	ch   chan []byte
	once sync.Once
}

// NewMemoryStore creates an empty in-memory kv store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		sets:   make(map[string]memSet),
		subs:   make(map[string][]*memSub),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.values[key]
	s.mu.RUnlock()
	if !ok || expired(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) SetTTL(_ context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.values[key] = memEntry{value: value, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	delete(s.sets, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddToSet(_ context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt) {
		set = memSet{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	if ttl > 0 {
		set.expiresAt = time.Now().Add(ttl)
	}
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt) {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.RLock()
	subs := append([]*memSub(nil), s.subs[topic]...)
	s.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default: // slow subscriber drops, same as redis pub/sub
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	sub := &memSub{ch: make(chan []byte, 16)}
	s.mu.Lock()
	s.subs[topic] = append(s.subs[topic], sub)
	s.mu.Unlock()

	remove := func() {
		s.mu.Lock()
		subs := s.subs[topic]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}

	go func() {
		<-ctx.Done()
		remove()
	}()

	return sub.ch, remove, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func expired(t time.Time) bool {
	return !t.IsZero() && time.Now().After(t)
}
