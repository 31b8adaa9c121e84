package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// breakerSet lazily creates one circuit breaker per provider.
type breakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *breakerSet) get(providerID string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	cb, exists := s.breakers[providerID]
	s.mu.RUnlock()
	if exists {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, exists = s.breakers[providerID]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("provider-%s", providerID),
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Only upstream failures trip the breaker; payload problems do
			// not.
			return !errors.Is(err, ErrUpstreamError) && !errors.Is(err, ErrUpstreamTimeout)
		},
	})

	s.breakers[providerID] = cb
	return cb
}
