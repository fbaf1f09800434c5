package store

import "time"

const (
	timeoutForTest = time.Second
	tickForTest    = 5 * time.Millisecond
)

func (s *Store) generationForTest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}
