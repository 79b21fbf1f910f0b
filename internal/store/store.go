// Package store keeps the encoded reply frame (ack or error) for each
// classified command during the duplicate-absorption grace window, plus a
// counter of outbound frames lost to queue overflow.
package store

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	// SaveReply records the frame sent in reply to commandID. The entry
	// expires after ttl; a duplicate command arriving inside the window
	// gets the same frame re-sent instead of a second execution.
	SaveReply(ctx context.Context, commandID string, frame []byte, ttl time.Duration) error

	// GetReply returns the stored reply frame, or nil when none is stored
	// or the entry has expired.
	GetReply(ctx context.Context, commandID string) ([]byte, error)

	// AddLost increments the lost-delivery counter by n.
	AddLost(ctx context.Context, n int64) error

	// Lost returns the lost-delivery counter.
	Lost(ctx context.Context) (int64, error)
}

type replyEntry struct {
	frame    []byte
	expireAt time.Time
}

// sweepInterval bounds how often SaveReply scans for expired entries.
const sweepInterval = time.Minute

type MemoryStore struct {
	mu        sync.RWMutex
	replies   map[string]replyEntry
	lost      int64
	lastSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		replies:   make(map[string]replyEntry),
		lastSweep: time.Now(),
	}
}

func (m *MemoryStore) SaveReply(_ context.Context, commandID string, frame []byte, ttl time.Duration) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) >= sweepInterval {
		m.sweepLocked(now)
	}
	m.replies[commandID] = replyEntry{frame: frame, expireAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) GetReply(_ context.Context, commandID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.replies[commandID]
	if !ok || time.Now().After(entry.expireAt) {
		return nil, nil
	}
	return entry.frame, nil
}

func (m *MemoryStore) AddLost(_ context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost += n
	return nil
}

func (m *MemoryStore) Lost(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lost, nil
}

// Sweep drops expired entries immediately. SaveReply already sweeps
// opportunistically, so the map stays bounded without calling this.
func (m *MemoryStore) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(time.Now())
}

func (m *MemoryStore) sweepLocked(now time.Time) {
	for id, entry := range m.replies {
		if now.After(entry.expireAt) {
			delete(m.replies, id)
		}
	}
	m.lastSweep = now
}
