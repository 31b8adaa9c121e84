package router_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/health"
	"github.com/saashqdev/ops-center/internal/models"
	"github.com/saashqdev/ops-center/internal/router"
)

// stubHealth serves fixed states; providers absent from the map are healthy.
type stubHealth struct {
	states map[string]models.HealthState
}

func (s *stubHealth) Status(providerID string) health.Status {
	state, ok := s.states[providerID]
	if !ok {
		state = models.HealthHealthy
	}
	return health.Status{ProviderID: providerID, State: state}
}

func newTestRouter(states map[string]models.HealthState) *router.Router {
	cfg := &config.RoutingConfig{
		CostWeight:    0.4,
		LatencyWeight: 0.3,
		QualityWeight: 0.3,
	}
	return router.NewRouter(nil, &stubHealth{states: states}, cfg)
}

func testModel(provider, name string, cost float64, latencyMS int, quality float64, tags ...string) models.Model {
	return models.Model{
		ProviderID:   provider,
		Name:         name,
		CostPer1MIn:  decimal.NewFromFloat(cost),
		CostPer1MOut: decimal.NewFromFloat(cost * 3),
		AvgLatencyMS: latencyMS,
		PowerLevels:  tags,
		QualityScore: quality,
		Enabled:      true,
	}
}

func TestParsePowerLevel(t *testing.T) {
	for _, raw := range []string{"ECO", "eco", " Balanced ", "PRECISION"} {
		if _, err := router.ParsePowerLevel(raw); err != nil {
			t.Fatalf("%q should parse, got: %v", raw, err)
		}
	}
	if _, err := router.ParsePowerLevel("TURBO"); !errors.Is(err, router.ErrInvalidPowerLevel) {
		t.Fatalf("Unknown level should return ErrInvalidPowerLevel, got: %v", err)
	}
}

func TestEcoPicksCheapest(t *testing.T) {
	r := newTestRouter(nil)
	candidates := []models.Model{
		testModel("openai", "gpt-4", 10.0, 800, 0.95),
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75),
		testModel("anthropic", "claude-haiku", 0.8, 400, 0.80),
	}

	selected, err := r.Select(router.PowerEco, candidates)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.Name != "gpt-4o-mini" {
		t.Fatalf("ECO should pick the cheapest model, got %s", selected.Name)
	}
}

func TestPrecisionPicksHighestQuality(t *testing.T) {
	r := newTestRouter(nil)
	candidates := []models.Model{
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75),
		testModel("anthropic", "claude-opus", 15.0, 1200, 0.98),
		testModel("google", "gemini-pro", 1.25, 500, 0.88),
	}

	selected, err := r.Select(router.PowerPrecision, candidates)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.Name != "claude-opus" {
		t.Fatalf("PRECISION should pick the highest quality model, got %s", selected.Name)
	}
}

func TestBalancedPrefersWellRounded(t *testing.T) {
	r := newTestRouter(nil)
	candidates := []models.Model{
		// Worst cost and latency, best quality.
		testModel("anthropic", "claude-opus", 15.0, 1500, 0.98),
		// Best cost and latency, worst quality.
		testModel("openai", "gpt-4o-mini", 0.15, 200, 0.60),
		// Near-best on every axis.
		testModel("google", "gemini-flash", 0.30, 250, 0.90),
	}

	selected, err := r.Select(router.PowerBalanced, candidates)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.Name != "gemini-flash" {
		t.Fatalf("BALANCED should pick the well-rounded model, got %s", selected.Name)
	}
}

func TestNameTiebreakIsDeterministic(t *testing.T) {
	r := newTestRouter(nil)
	candidates := []models.Model{
		testModel("openai", "model-b", 1.0, 100, 0.9),
		testModel("openai", "model-a", 1.0, 100, 0.9),
	}

	for _, level := range []router.PowerLevel{router.PowerEco, router.PowerBalanced, router.PowerPrecision} {
		selected, err := r.Select(level, candidates)
		if err != nil {
			t.Fatalf("Select(%s) failed: %v", level, err)
		}
		if selected.Name != "model-a" {
			t.Fatalf("%s: identical models should tiebreak by name, got %s", level, selected.Name)
		}
	}
}

// Property: Ranking the same candidates twice SHALL produce the identical
// order, for every power level.
func TestRankDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newTestRouter(nil)

		n := rapid.IntRange(1, 12).Draw(t, "numModels")
		candidates := make([]models.Model, 0, n)
		for i := 0; i < n; i++ {
			candidates = append(candidates, testModel(
				rapid.SampledFrom([]string{"openai", "anthropic", "google"}).Draw(t, "provider"),
				rapid.StringMatching(`model-[a-z]{4,8}`).Draw(t, "name"),
				float64(rapid.IntRange(1, 20000).Draw(t, "costMilli"))/1000,
				rapid.IntRange(50, 3000).Draw(t, "latency"),
				float64(rapid.IntRange(0, 100).Draw(t, "quality"))/100,
			))
		}
		level := rapid.SampledFrom([]router.PowerLevel{
			router.PowerEco, router.PowerBalanced, router.PowerPrecision,
		}).Draw(t, "level")

		first, err := r.Rank(level, candidates)
		if err != nil {
			t.Fatalf("First Rank failed: %v", err)
		}
		second, err := r.Rank(level, candidates)
		if err != nil {
			t.Fatalf("Second Rank failed: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatal("Identical inputs produced different rankings")
		}
	})
}

func TestUnhealthyProvidersExcluded(t *testing.T) {
	r := newTestRouter(map[string]models.HealthState{
		"openai": models.HealthUnhealthy,
	})
	candidates := []models.Model{
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75),
		testModel("anthropic", "claude-haiku", 0.8, 400, 0.80),
	}

	ranked, err := r.Rank(router.PowerEco, candidates)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	for _, m := range ranked {
		if m.ProviderID == "openai" {
			t.Fatal("Models on an unhealthy provider must never be ranked")
		}
	}
}

func TestDegradedProviderShedsLoadWhenAlternativeExists(t *testing.T) {
	r := newTestRouter(map[string]models.HealthState{
		"openai": models.HealthDegraded,
	})
	candidates := []models.Model{
		// Cheaper, but its provider is degraded.
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75),
		testModel("anthropic", "claude-haiku", 0.8, 400, 0.80),
	}

	selected, err := r.Select(router.PowerEco, candidates)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.ProviderID != "anthropic" {
		t.Fatalf("Healthy alternative should win over a cheaper degraded provider, got %s", selected.ProviderID)
	}
}

func TestDegradedProviderServesWhenOnlyOption(t *testing.T) {
	r := newTestRouter(map[string]models.HealthState{
		"openai":    models.HealthDegraded,
		"anthropic": models.HealthUnhealthy,
	})
	candidates := []models.Model{
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75),
		testModel("anthropic", "claude-haiku", 0.8, 400, 0.80),
	}

	selected, err := r.Select(router.PowerEco, candidates)
	if err != nil {
		t.Fatalf("A degraded provider should still serve when no healthy one remains: %v", err)
	}
	if selected.ProviderID != "openai" {
		t.Fatalf("Expected degraded openai as last resort, got %s", selected.ProviderID)
	}
}

func TestPowerLevelTagsFilter(t *testing.T) {
	r := newTestRouter(nil)
	candidates := []models.Model{
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75, "ECO"),
		testModel("anthropic", "claude-opus", 15.0, 1200, 0.98, "PRECISION"),
	}

	selected, err := r.Select(router.PowerPrecision, candidates)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.Name != "claude-opus" {
		t.Fatalf("Only the PRECISION-tagged model is eligible, got %s", selected.Name)
	}

	selected, err = r.Select(router.PowerEco, candidates)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.Name != "gpt-4o-mini" {
		t.Fatalf("Only the ECO-tagged model is eligible, got %s", selected.Name)
	}
}

func TestUntaggedModelServesEveryLevel(t *testing.T) {
	r := newTestRouter(nil)
	candidates := []models.Model{
		testModel("openai", "gpt-4o", 2.5, 500, 0.9),
	}
	for _, level := range []router.PowerLevel{router.PowerEco, router.PowerBalanced, router.PowerPrecision} {
		if _, err := r.Select(level, candidates); err != nil {
			t.Fatalf("Untagged model should serve %s: %v", level, err)
		}
	}
}

func TestNoAvailableModel(t *testing.T) {
	r := newTestRouter(map[string]models.HealthState{
		"openai": models.HealthUnhealthy,
	})

	_, err := r.Select(router.PowerEco, nil)
	if !errors.Is(err, router.ErrNoAvailableModel) {
		t.Fatalf("Empty candidate set should return ErrNoAvailableModel, got: %v", err)
	}

	disabled := testModel("anthropic", "claude-haiku", 0.8, 400, 0.80)
	disabled.Enabled = false
	candidates := []models.Model{
		testModel("openai", "gpt-4o-mini", 0.15, 300, 0.75),
		disabled,
	}
	_, err = r.Select(router.PowerEco, candidates)
	if !errors.Is(err, router.ErrNoAvailableModel) {
		t.Fatalf("All candidates filtered should return ErrNoAvailableModel, got: %v", err)
	}
}
