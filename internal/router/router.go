package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/health"
	"github.com/saashqdev/ops-center/internal/models"
)

// Service errors
var (
	ErrNoAvailableModel  = errors.New("no available model")
	ErrInvalidPowerLevel = errors.New("invalid power level")
)

// PowerLevel expresses the cost/latency/quality trade-off for selection.
type PowerLevel string

const (
	PowerEco       PowerLevel = "ECO"
	PowerBalanced  PowerLevel = "BALANCED"
	PowerPrecision PowerLevel = "PRECISION"
)

// ParsePowerLevel validates a caller-supplied power level.
func ParsePowerLevel(raw string) (PowerLevel, error) {
	switch PowerLevel(strings.ToUpper(strings.TrimSpace(raw))) {
	case PowerEco:
		return PowerEco, nil
	case PowerBalanced:
		return PowerBalanced, nil
	case PowerPrecision:
		return PowerPrecision, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPowerLevel, raw)
	}
}

// HealthReader is the read-only slice of the health monitor the router
// needs for candidate filtering.
type HealthReader interface {
	Status(providerID string) health.Status
}

// Router selects a target model from eligible candidates. Selection is
// deterministic: identical candidates and power level always produce the
// identical ranking, so routing decisions are testable and auditable.
type Router struct {
	db      *pgxpool.Pool
	monitor HealthReader
	weights scoringWeights
}

type scoringWeights struct {
	cost    float64
	latency float64
	quality float64
}

// NewRouter creates a model router.
func NewRouter(db *pgxpool.Pool, monitor HealthReader, cfg *config.RoutingConfig) *Router {
	return &Router{
		db:      db,
		monitor: monitor,
		weights: scoringWeights{
			cost:    cfg.CostWeight,
			latency: cfg.LatencyWeight,
			quality: cfg.QualityWeight,
		},
	}
}

// Catalog loads routable candidates from the provider catalog: enabled
// models of enabled providers. A provider hint orders that provider's models
// first but does not exclude the rest.
func (r *Router) Catalog(ctx context.Context, providerHint string) ([]models.Model, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.provider_id, m.name, m.cost_per_1m_in, m.cost_per_1m_out,
		       m.context_length, m.avg_latency_ms, m.power_level_tags,
		       m.quality_score, m.enabled
		FROM models m
		JOIN providers p ON m.provider_id = p.id
		WHERE m.enabled = true AND p.enabled = true
		ORDER BY p.priority, m.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}
	defer rows.Close()

	var catalog []models.Model
	for rows.Next() {
		var m models.Model
		err := rows.Scan(&m.ProviderID, &m.Name, &m.CostPer1MIn, &m.CostPer1MOut,
			&m.ContextLength, &m.AvgLatencyMS, &m.PowerLevels, &m.QualityScore, &m.Enabled)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		catalog = append(catalog, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model catalog: %w", err)
	}

	if providerHint != "" {
		sort.SliceStable(catalog, func(i, j int) bool {
			return catalog[i].ProviderID == providerHint && catalog[j].ProviderID != providerHint
		})
	}

	return catalog, nil
}

// Select returns the best eligible candidate for the power level.
func (r *Router) Select(level PowerLevel, candidates []models.Model) (*models.Model, error) {
	ranked, err := r.Rank(level, candidates)
	if err != nil {
		return nil, err
	}
	return &ranked[0], nil
}

// Rank filters candidates and orders them best-first so the caller can walk
// down the list on dispatch failures.
func (r *Router) Rank(level PowerLevel, candidates []models.Model) ([]models.Model, error) {
	eligible := r.filter(level, candidates)
	if len(eligible) == 0 {
		return nil, ErrNoAvailableModel
	}

	switch level {
	case PowerEco:
		sort.SliceStable(eligible, func(i, j int) bool {
			ci, cj := avgCost(&eligible[i]), avgCost(&eligible[j])
			if ci != cj {
				return ci < cj
			}
			if eligible[i].AvgLatencyMS != eligible[j].AvgLatencyMS {
				return eligible[i].AvgLatencyMS < eligible[j].AvgLatencyMS
			}
			return eligible[i].Name < eligible[j].Name
		})
	case PowerPrecision:
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].QualityScore != eligible[j].QualityScore {
				return eligible[i].QualityScore > eligible[j].QualityScore
			}
			if eligible[i].AvgLatencyMS != eligible[j].AvgLatencyMS {
				return eligible[i].AvgLatencyMS < eligible[j].AvgLatencyMS
			}
			return eligible[i].Name < eligible[j].Name
		})
	case PowerBalanced:
		scores := r.balancedScores(eligible)
		sort.SliceStable(eligible, func(i, j int) bool {
			si, sj := scores[modelKey(&eligible[i])], scores[modelKey(&eligible[j])]
			if si != sj {
				return si < sj
			}
			return eligible[i].Name < eligible[j].Name
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPowerLevel, level)
	}

	return eligible, nil
}

// filter drops disabled models, models not tagged for the power level, and
// models on unhealthy providers. Degraded providers are kept only when no
// candidate on a healthy provider remains, so impaired providers shed load
// whenever an alternative exists.
func (r *Router) filter(level PowerLevel, candidates []models.Model) []models.Model {
	var healthy, degraded []models.Model
	for _, m := range candidates {
		if !m.Enabled || !tagged(&m, level) {
			continue
		}
		switch r.monitor.Status(m.ProviderID).State {
		case models.HealthUnhealthy:
			continue
		case models.HealthDegraded:
			degraded = append(degraded, m)
		default:
			healthy = append(healthy, m)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return degraded
}

// balancedScores computes w1*norm(cost) + w2*norm(latency) + w3*(1-quality)
// over the eligible set; lower wins. Normalization is min-max within the
// set.
func (r *Router) balancedScores(eligible []models.Model) map[string]float64 {
	minCost, maxCost := avgCost(&eligible[0]), avgCost(&eligible[0])
	minLat, maxLat := eligible[0].AvgLatencyMS, eligible[0].AvgLatencyMS
	for i := range eligible {
		c := avgCost(&eligible[i])
		if c < minCost {
			minCost = c
		}
		if c > maxCost {
			maxCost = c
		}
		if eligible[i].AvgLatencyMS < minLat {
			minLat = eligible[i].AvgLatencyMS
		}
		if eligible[i].AvgLatencyMS > maxLat {
			maxLat = eligible[i].AvgLatencyMS
		}
	}

	scores := make(map[string]float64, len(eligible))
	for i := range eligible {
		m := &eligible[i]
		score := r.weights.cost*normalize(avgCost(m), minCost, maxCost) +
			r.weights.latency*normalize(float64(m.AvgLatencyMS), float64(minLat), float64(maxLat)) +
			r.weights.quality*(1-m.QualityScore)
		scores[modelKey(m)] = score
	}
	return scores
}

func normalize(v, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (v - min) / (max - min)
}

// avgCost is the midpoint of input and output cost per 1M tokens.
func avgCost(m *models.Model) float64 {
	sum, _ := m.CostPer1MIn.Add(m.CostPer1MOut).Float64()
	return sum / 2
}

// tagged reports whether the model serves the power level. Untagged models
// serve every level.
func tagged(m *models.Model, level PowerLevel) bool {
	if len(m.PowerLevels) == 0 {
		return true
	}
	for _, tag := range m.PowerLevels {
		if strings.EqualFold(tag, string(level)) {
			return true
		}
	}
	return false
}

func modelKey(m *models.Model) string {
	return m.ProviderID + "/" + m.Name
}
