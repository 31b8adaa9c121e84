package health

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/saashqdev/ops-center/internal/models"
)

// Config holds the transition thresholds for the per-provider state machine.
type Config struct {
	// WindowSize is the number of recent outcomes retained per provider.
	WindowSize int
	// DegradedAfter is the consecutive-failure count that marks a provider
	// degraded.
	DegradedAfter int
	// UnhealthyAfter is the consecutive-failure count that marks a provider
	// unhealthy.
	UnhealthyAfter int
	// ErrorRateThreshold marks a provider unhealthy when the window error
	// rate exceeds it, once MinSamples outcomes have been seen.
	ErrorRateThreshold float64
	MinSamples         int
	// RecoveryStreak is the success streak that returns a degraded or
	// unhealthy provider to healthy.
	RecoveryStreak int
}

// DefaultConfig returns the default health monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:         50,
		DegradedAfter:      5,
		UnhealthyAfter:     8,
		ErrorRateThreshold: 0.5,
		MinSamples:         10,
		RecoveryStreak:     3,
	}
}

// Status is the pure-read view used by the router for candidate filtering.
type Status struct {
	ProviderID   string             `json:"provider_id"`
	State        models.HealthState `json:"state"`
	AvgLatencyMS int64              `json:"avg_latency_ms"`
}

type outcome struct {
	success   bool
	latencyMS int64
}

type providerStats struct {
	state               models.HealthState
	window              []outcome // ring buffer
	next                int
	filled              bool
	consecutiveFailures int
	successStreak       int
}

// Monitor tracks rolling success/failure/latency per provider and derives a
// three-state health status: healthy, degraded, unhealthy, with recovery via
// a success streak. It is the only owner of its statistics; other components
// read through Status and never reach into the windows.
type Monitor struct {
	cfg *Config
	db  *pgxpool.Pool

	mu        sync.RWMutex
	providers map[string]*providerStats
}

// NewMonitor creates a health monitor. db may be nil; when set, state
// changes are annotated onto the provider catalog asynchronously.
func NewMonitor(cfg *Config, db *pgxpool.Pool) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:       cfg,
		db:        db,
		providers: make(map[string]*providerStats),
	}
}

// RecordResult feeds one dispatch outcome into the provider's rolling
// window and applies the state transition rules.
func (m *Monitor) RecordResult(providerID string, success bool, latency time.Duration) {
	stats := m.stats(providerID)

	m.mu.Lock()
	stats.window[stats.next] = outcome{success: success, latencyMS: latency.Milliseconds()}
	stats.next = (stats.next + 1) % len(stats.window)
	if stats.next == 0 {
		stats.filled = true
	}

	if success {
		stats.consecutiveFailures = 0
		stats.successStreak++
	} else {
		stats.successStreak = 0
		stats.consecutiveFailures++
	}

	prev := stats.state
	stats.state = m.deriveState(stats)
	changed := stats.state != prev
	state := stats.state
	m.mu.Unlock()

	if changed {
		log.Info().
			Str("provider_id", providerID).
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("Provider health state changed")
		if m.db != nil {
			go m.annotate(context.Background(), providerID, state)
		}
	}
}

// deriveState applies the transition rules. Caller holds the lock.
func (m *Monitor) deriveState(stats *providerStats) models.HealthState {
	// Recovery streak wins from any impaired state.
	if stats.state != models.HealthHealthy && stats.successStreak >= m.cfg.RecoveryStreak {
		return models.HealthHealthy
	}

	count, failures := 0, 0
	for i, o := range stats.window {
		if !stats.filled && i >= stats.next {
			break
		}
		count++
		if !o.success {
			failures++
		}
	}

	if stats.consecutiveFailures >= m.cfg.UnhealthyAfter {
		return models.HealthUnhealthy
	}
	if count >= m.cfg.MinSamples && float64(failures)/float64(count) > m.cfg.ErrorRateThreshold {
		return models.HealthUnhealthy
	}
	if stats.consecutiveFailures >= m.cfg.DegradedAfter {
		return models.HealthDegraded
	}

	// No transition trigger: keep the current state until recovery or
	// further failures move it.
	return stats.state
}

// Status returns the provider's derived state and average latency over the
// window. Unknown providers are healthy.
func (m *Monitor) Status(providerID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.providers[providerID]
	if !ok {
		return Status{ProviderID: providerID, State: models.HealthHealthy}
	}

	var totalMS, count int64
	for i, o := range stats.window {
		if !stats.filled && i >= stats.next {
			break
		}
		totalMS += o.latencyMS
		count++
	}

	s := Status{ProviderID: providerID, State: stats.state}
	if count > 0 {
		s.AvgLatencyMS = totalMS / count
	}
	return s
}

// Snapshot returns the status of every tracked provider.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, m.Status(id))
	}
	return statuses
}

// stats returns the provider's stats, creating them on first touch.
func (m *Monitor) stats(providerID string) *providerStats {
	m.mu.RLock()
	stats, ok := m.providers[providerID]
	m.mu.RUnlock()
	if ok {
		return stats
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stats, ok = m.providers[providerID]; ok {
		return stats
	}
	stats = &providerStats{
		state:  models.HealthHealthy,
		window: make([]outcome, m.cfg.WindowSize),
	}
	m.providers[providerID] = stats
	return stats
}

// annotate writes the derived state onto the catalog row. The catalog is
// owned elsewhere; health_status is the one column this core updates.
func (m *Monitor) annotate(ctx context.Context, providerID string, state models.HealthState) {
	_, err := m.db.Exec(ctx, `
		UPDATE providers SET health_status = $2, updated_at = NOW() WHERE id = $1
	`, providerID, state)
	if err != nil {
		log.Warn().Err(err).
			Str("provider_id", providerID).
			Msg("Failed to annotate provider health status")
	}
}
