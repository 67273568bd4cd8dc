package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Store used by unit tests and the single-binary
// development mode. Pub/sub is synchronous-ish: Publish copies the message
// into each matching subscriber's buffered channel and drops it if the
// buffer is full, mirroring the at-least-once, best-effort contract of the
// real store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	lists  map[string][]string
	hashes map[string]map[string]string
	subs   map[int]*memorySubscription
	nextID int
	closed bool

	// now is swappable so tests can force TTL expiry.
	now func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memoryEntry),
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		subs:   make(map[int]*memorySubscription),
		now:    time.Now,
	}
}

// SetClock overrides the store's time source. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	if m.expired(e) {
		delete(m.values, key)
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.values, k)
		delete(m.lists, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return ErrKeyNotFound
	}
	e.expiresAt = m.now().Add(ttl)
	m.values[key] = e
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, e := range m.values {
		if m.expired(e) {
			delete(m.values, k)
			continue
		}
		if globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k := range m.lists {
		if globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		if globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) LPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 {
		return "", ErrKeyNotFound
	}
	head := list[0]
	if len(list) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list[1:]
	}
	return head, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.hashes[key][field]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber, drop. Consumers re-fetch the authoritative
			// record on the next update they do observe.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	return m.subscribe(channels, false), nil
}

func (m *Memory) PSubscribe(_ context.Context, patterns ...string) (Subscription, error) {
	return m.subscribe(patterns, true), nil
}

func (m *Memory) subscribe(topics []string, pattern bool) *memorySubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySubscription{
		store:   m,
		id:      m.nextID,
		topics:  topics,
		pattern: pattern,
		ch:      make(chan Message, 64),
	}
	m.subs[m.nextID] = sub
	m.nextID++
	return sub
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}
	return nil
}

type memorySubscription struct {
	store   *Memory
	id      int
	topics  []string
	pattern bool
	ch      chan Message

	closeOnce sync.Once
}

func (s *memorySubscription) matches(channel string) bool {
	for _, t := range s.topics {
		if s.pattern {
			if globMatch(t, channel) {
				return true
			}
		} else if t == channel {
			return true
		}
	}
	return false
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.store.mu.Lock()
		if _, ok := s.store.subs[s.id]; ok {
			delete(s.store.subs, s.id)
			close(s.ch)
		}
		s.store.mu.Unlock()
	})
	return nil
}

// globMatch matches Redis-style glob patterns. Keys never contain '/', so
// path.Match's separator handling does not get in the way.
func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
