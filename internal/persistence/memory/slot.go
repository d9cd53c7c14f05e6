// Package memory provides an in-process snapshot slot for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-taskboard/internal/persistence"
)

// Slot stores snapshots in a map.
type Slot struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New constructs an empty Slot.
func New() *Slot {
	return &Slot{data: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *Slot) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the value under key.
func (s *Slot) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, persistence.ErrSlotEmpty
	}
	return append([]byte(nil), data...), nil
}

// Close implements persistence.Slot; it performs no action.
func (s *Slot) Close() error {
	return nil
}
