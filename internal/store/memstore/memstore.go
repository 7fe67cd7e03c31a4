// Package memstore is the default, in-memory implementation of
// store.EventStore — used when no durable backend is configured, and in
// every test that needs an EventStore but not a real database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/store"
)

type Store struct {
	mu       sync.Mutex
	streams  map[string][]store.StoredEvent
	position uint64
}

func New() *Store {
	return &Store{streams: make(map[string][]store.StoredEvent)}
}

func (s *Store) Append(ctx context.Context, streamID string, events []store.NewEvent, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := uint64(len(s.streams[streamID]))
	if current != expectedVersion {
		return orberrors.New(orberrors.KindConcurrencyConflict,
			"concurrent write to stream "+streamID)
	}

	now := time.Now().UTC()
	for _, e := range events {
		current++
		s.position++
		s.streams[streamID] = append(s.streams[streamID], store.StoredEvent{
			StreamID:  streamID,
			Version:   current,
			Type:      e.Type,
			Data:      e.Data,
			Metadata:  e.Metadata,
			Timestamp: now,
			Position:  s.position,
		})
	}
	return nil
}

func (s *Store) Read(ctx context.Context, streamID string) ([]store.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.streams[streamID]
	out := make([]store.StoredEvent, len(events))
	copy(out, events)
	return out, nil
}
