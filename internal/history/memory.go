package history

import (
	"context"
	"sync"
	"time"

	"pricewatch/internal/models"
)

// MemoryStore is an in-memory Store used by unit tests.
type MemoryStore struct {
	mu      sync.Mutex
	samples []models.PriceSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertSamples(_ context.Context, snaps []models.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, snaps...)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.samples[:0]
	var purged int64
	for _, snap := range s.samples {
		if snap.FetchedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, snap)
	}
	s.samples = kept
	return purged, nil
}

// Samples returns a copy of the stored samples. Test helper.
func (s *MemoryStore) Samples() []models.PriceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PriceSnapshot, len(s.samples))
	copy(out, s.samples)
	return out
}
