package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// isProcessed checks whether an id was finished by an earlier pass
func (s *Sweeper) isProcessed(id string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.processedIds[id]
	return exists
}

func (s *Sweeper) markProcessed(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.processedIds[id] = time.Now()
}

// cleanupLoop periodically forgets old processed ids
func (s *Sweeper) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupProcessed()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) cleanupProcessed() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().Add(-s.cleanupInterval)
	cleaned := 0

	for id, processedTime := range s.processedIds {
		if processedTime.Before(cutoff) {
			delete(s.processedIds, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up processed ids",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(s.processedIds)))
	}
}
