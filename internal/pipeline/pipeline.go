package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/saashqdev/ops-center/internal/credential"
	"github.com/saashqdev/ops-center/internal/dispatch"
	"github.com/saashqdev/ops-center/internal/health"
	"github.com/saashqdev/ops-center/internal/ledger"
	"github.com/saashqdev/ops-center/internal/logging"
	"github.com/saashqdev/ops-center/internal/models"
	"github.com/saashqdev/ops-center/internal/monitoring"
	"github.com/saashqdev/ops-center/internal/quota"
	"github.com/saashqdev/ops-center/internal/router"
)

// Pipeline errors
var (
	ErrProviderDispatch = errors.New("all dispatch attempts failed")
)

// State is the per-request state machine position.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateCredentialResolved State = "CREDENTIAL_RESOLVED"
	StateQuotaChecked       State = "QUOTA_CHECKED"
	StateCreditReserved     State = "CREDIT_RESERVED"
	StateModelSelected      State = "MODEL_SELECTED"
	StateDispatched         State = "DISPATCHED"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
	StateMetered            State = "METERED"
	StateDone               State = "DONE"
)

// Cost estimation constants. The estimate deliberately overshoots; the
// difference is reconciled at commit time.
const (
	bytesPerToken      = 4
	estimatedOutTokens = 1024
)

// tokensPerMillion is the divisor for per-1M-token rates.
var tokensPerMillion = decimal.NewFromInt(1_000_000)

// Ledger is the credit ledger surface the pipeline consumes.
type Ledger interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (*ledger.Balance, error)
	Reserve(ctx context.Context, accountID uuid.UUID, estimatedCost decimal.Decimal) (*ledger.Reservation, error)
	Commit(ctx context.Context, token uuid.UUID, actualCost decimal.Decimal) error
	Rollback(ctx context.Context, token uuid.UUID) error
}

// QuotaEnforcer admits or rejects calls against tier limits.
type QuotaEnforcer interface {
	CheckAndIncrement(ctx context.Context, accountID uuid.UUID, tier models.Tier) (*quota.Decision, error)
}

// CredentialResolver resolves provider credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, accountID uuid.UUID, provider string) (*credential.Resolved, error)
}

// HealthMonitor records dispatch outcomes and reads provider health.
type HealthMonitor interface {
	RecordResult(providerID string, success bool, latency time.Duration)
	Status(providerID string) health.Status
}

// ModelRouter loads and ranks candidates.
type ModelRouter interface {
	Catalog(ctx context.Context, providerHint string) ([]models.Model, error)
	Rank(level router.PowerLevel, candidates []models.Model) ([]models.Model, error)
}

// Store persists usage records and resolves provider endpoints.
type Store interface {
	InsertUsage(ctx context.Context, record *models.UsageRecord) error
	ProviderEndpoint(ctx context.Context, providerID string) (string, error)
}

// MeterRequest is one inbound model-inference request.
type MeterRequest struct {
	AccountID    uuid.UUID
	ProviderHint string
	PowerLevel   router.PowerLevel
	Payload      json.RawMessage
	Endpoint     string
}

// MeterResult is the outcome of a metered request. On business rejection it
// is still populated with tier and window numbers so the caller can build
// the full error payload.
type MeterResult struct {
	RequestID   uuid.UUID          `json:"request_id"`
	Status      models.UsageStatus `json:"status"`
	Provider    string             `json:"provider,omitempty"`
	Model       string             `json:"model_used,omitempty"`
	TokensIn    int                `json:"tokens_in"`
	TokensOut   int                `json:"tokens_out"`
	CostCredits decimal.Decimal    `json:"cost_credits"`
	Substituted bool               `json:"credential_substituted,omitempty"`
	Tier        models.Tier        `json:"tier"`
	Remaining   decimal.Decimal    `json:"credits_remaining"`
	Quota       *quota.Decision    `json:"quota,omitempty"`
}

// Pipeline orchestrates admission, routing, dispatch and accounting for one
// request at a time. Dispatch is the only long-latency suspension point and
// happens after the reservation row is durable, with no lock held: the
// reservation itself prevents double-spend during the await.
type Pipeline struct {
	ledger      Ledger
	quota       QuotaEnforcer
	credentials CredentialResolver
	monitor     HealthMonitor
	router      ModelRouter
	dispatcher  dispatch.Dispatcher
	store       Store
	maxRetries  int
}

// New creates a metering pipeline. maxRetries bounds additional dispatch
// attempts after the first (default 2).
func New(
	l Ledger,
	q QuotaEnforcer,
	c CredentialResolver,
	m HealthMonitor,
	r ModelRouter,
	d dispatch.Dispatcher,
	s Store,
	maxRetries int,
) *Pipeline {
	if maxRetries < 0 {
		maxRetries = 2
	}
	return &Pipeline{
		ledger:      l,
		quota:       q,
		credentials: c,
		monitor:     m,
		router:      r,
		dispatcher:  d,
		store:       s,
		maxRetries:  maxRetries,
	}
}

// Meter runs the full state machine for one request.
func (p *Pipeline) Meter(ctx context.Context, req *MeterRequest) (*MeterResult, error) {
	result := &MeterResult{
		RequestID:   uuid.New(),
		CostCredits: decimal.Zero,
	}
	state := StateReceived
	logger := log.With().Str("request_id", result.RequestID.String()).Str("account_id", req.AccountID.String()).Logger()

	if req.Endpoint == "" {
		req.Endpoint = "chat"
	}

	// Auto-provisions on first touch and yields the tier for quota checks.
	balance, err := p.ledger.GetBalance(ctx, req.AccountID)
	if err != nil {
		return result, err
	}
	result.Tier = balance.Tier
	result.Remaining = balance.Remaining

	// Credential resolution. The effective provider becomes the routing
	// hint so substituted credentials steer candidate ordering.
	hint := req.ProviderHint
	if hint == "" {
		hint = "openai"
	}
	resolved, err := p.credentials.Resolve(ctx, req.AccountID, hint)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredentialAvailable) {
			p.recordRejection(ctx, req, result)
			return result, err
		}
		return result, err
	}
	state = StateCredentialResolved
	result.Substituted = resolved.Substituted

	// Quota admission. The increment is non-refundable: whatever happens
	// downstream, this call stays counted.
	decision, err := p.quota.CheckAndIncrement(ctx, req.AccountID, balance.Tier)
	result.Quota = decision
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			p.recordRejection(ctx, req, result)
			return result, err
		}
		return result, err
	}
	state = StateQuotaChecked

	// Candidates are loaded before reserving so the estimate can use the
	// worst-case rate among them.
	candidates, err := p.router.Catalog(ctx, resolved.Provider)
	if err != nil {
		return result, err
	}

	estimate := estimateCost(req.Payload, candidates)
	reservation, err := p.ledger.Reserve(ctx, req.AccountID, estimate)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			p.recordRejection(ctx, req, result)
			return result, err
		}
		return result, err
	}
	state = StateCreditReserved
	monitoring.Get().ReservationsOpen.Inc()
	monitoring.Get().ReservationEvents.WithLabelValues("held").Inc()

	ranked, err := p.router.Rank(req.PowerLevel, candidates)
	if err != nil {
		// Unwind: release the hold; the quota increment stays.
		p.unwind(ctx, reservation, &logger)
		if errors.Is(err, router.ErrNoAvailableModel) {
			p.recordRejection(ctx, req, result)
		}
		return result, err
	}
	state = StateModelSelected

	dispatched, model, err := p.dispatchRanked(ctx, req, resolved, ranked, &logger)
	if err != nil {
		p.unwind(ctx, reservation, &logger)
		state = StateFailed
		result.Status = models.UsageFailed
		p.recordUsage(ctx, req, result, model)
		logger.Warn().Str("state", string(state)).Msg("Metered request failed")
		return result, fmt.Errorf("%w: %v", ErrProviderDispatch, err)
	}
	state = StateCompleted

	actual := tokenCost(dispatched.TokensIn, dispatched.TokensOut, model)
	result.Status = models.UsageCompleted
	result.Provider = model.ProviderID
	result.Model = model.Name
	result.TokensIn = dispatched.TokensIn
	result.TokensOut = dispatched.TokensOut
	result.CostCredits = actual

	if err := p.ledger.Commit(ctx, reservation.ID, actual); err != nil {
		// The dispatch succeeded: the delivered response still gets its
		// append-only usage row, and the accounting failure is surfaced
		// rather than rolling back.
		monitoring.Get().ReservationsOpen.Dec()
		p.recordUsage(ctx, req, result, model)
		logger.Error().
			Err(err).
			Str("reservation_id", reservation.ID.String()).
			Msg("Failed to commit reservation after dispatch")
		return result, err
	}
	state = StateMetered
	monitoring.Get().ReservationsOpen.Dec()
	monitoring.Get().ReservationEvents.WithLabelValues("committed").Inc()
	actualFloat, _ := actual.Float64()
	monitoring.Get().CreditsCommitted.WithLabelValues(model.ProviderID).Add(actualFloat)

	// Refresh the balance so the response reflects the committed debit,
	// not the pre-request read.
	if fresh, err := p.ledger.GetBalance(ctx, req.AccountID); err == nil {
		result.Remaining = fresh.Remaining
	}

	p.recordUsage(ctx, req, result, model)

	state = StateDone
	logging.LogMeteredCall(result.RequestID.String(), req.AccountID.String(),
		model.ProviderID, model.Name, string(result.Status),
		dispatched.TokensIn, dispatched.TokensOut, dispatched.Latency)

	return result, nil
}

// dispatchRanked walks the ranked candidates, re-resolving credentials when
// a candidate sits on a different provider, feeding every attempt's outcome
// into the health monitor. Bounded at 1+maxRetries attempts.
func (p *Pipeline) dispatchRanked(
	ctx context.Context,
	req *MeterRequest,
	resolved *credential.Resolved,
	ranked []models.Model,
	logger *zerolog.Logger,
) (*dispatch.Result, *models.Model, error) {
	maxAttempts := 1 + p.maxRetries
	attempts := 0
	var lastErr error = router.ErrNoAvailableModel

	for i := range ranked {
		if attempts >= maxAttempts {
			break
		}
		model := &ranked[i]

		creds := resolved
		if model.ProviderID != resolved.Provider {
			alt, err := p.credentials.Resolve(ctx, req.AccountID, model.ProviderID)
			if err != nil {
				// No credential for this candidate's provider; it does not
				// consume an attempt.
				continue
			}
			if alt.Provider != model.ProviderID {
				continue
			}
			creds = alt
		}

		endpoint, err := p.store.ProviderEndpoint(ctx, model.ProviderID)
		if err != nil {
			lastErr = err
			continue
		}

		attempts++
		started := time.Now()
		res, err := p.dispatcher.Dispatch(ctx, dispatch.Target{
			ProviderID: model.ProviderID,
			Endpoint:   endpoint,
			Model:      model.Name,
			APIKey:     creds.Key,
			Payload:    req.Payload,
		})
		if err != nil {
			lastErr = err
			// Failures take wall time too (timeouts especially); feed the
			// measured elapsed time so the latency average stays honest.
			p.monitor.RecordResult(model.ProviderID, false, time.Since(started))
			monitoring.Get().DispatchAttempts.WithLabelValues(model.ProviderID, "failure").Inc()
			logger.Warn().
				Err(err).
				Str("provider", model.ProviderID).
				Str("model", model.Name).
				Int("attempt", attempts).
				Msg("Dispatch attempt failed")
			continue
		}

		p.monitor.RecordResult(model.ProviderID, true, res.Latency)
		monitoring.Get().DispatchAttempts.WithLabelValues(model.ProviderID, "success").Inc()
		monitoring.Get().DispatchLatency.WithLabelValues(model.ProviderID, "success").Observe(res.Latency.Seconds())
		return res, model, nil
	}

	return nil, nil, lastErr
}

// unwind releases a held reservation. Rollback is idempotent so a lost race
// with commit is harmless.
func (p *Pipeline) unwind(ctx context.Context, reservation *ledger.Reservation, logger *zerolog.Logger) {
	if reservation == nil {
		return
	}
	if err := p.ledger.Rollback(ctx, reservation.ID); err != nil {
		logger.Error().
			Err(err).
			Str("reservation_id", reservation.ID.String()).
			Msg("Failed to roll back reservation")
		return
	}
	monitoring.Get().ReservationsOpen.Dec()
	monitoring.Get().ReservationEvents.WithLabelValues("rolled_back").Inc()
}

// recordRejection writes the append-only usage row for a business
// rejection.
func (p *Pipeline) recordRejection(ctx context.Context, req *MeterRequest, result *MeterResult) {
	result.Status = models.UsageRejected
	p.recordUsage(ctx, req, result, nil)
}

// recordUsage appends the terminal-outcome usage row. Exactly one row per
// terminal outcome; failures here are logged, never retried into duplicate
// rows.
func (p *Pipeline) recordUsage(ctx context.Context, req *MeterRequest, result *MeterResult, model *models.Model) {
	record := &models.UsageRecord{
		ID:          result.RequestID,
		AccountID:   req.AccountID,
		Endpoint:    req.Endpoint,
		TokensIn:    result.TokensIn,
		TokensOut:   result.TokensOut,
		CostCredits: result.CostCredits,
		Status:      result.Status,
	}
	if model != nil {
		record.Provider = model.ProviderID
		record.Model = model.Name
	}
	if err := p.store.InsertUsage(ctx, record); err != nil {
		log.Error().
			Err(err).
			Str("request_id", result.RequestID.String()).
			Msg("Failed to append usage record")
	}
}

// estimateCost derives the reservation amount: a payload-size token
// estimate plus a fixed output allowance, priced at the worst-case rate
// among the candidates.
func estimateCost(payload json.RawMessage, candidates []models.Model) decimal.Decimal {
	tokensIn := len(payload) / bytesPerToken
	if tokensIn < 1 {
		tokensIn = 1
	}

	maxIn, maxOut := decimal.Zero, decimal.Zero
	for i := range candidates {
		if candidates[i].CostPer1MIn.GreaterThan(maxIn) {
			maxIn = candidates[i].CostPer1MIn
		}
		if candidates[i].CostPer1MOut.GreaterThan(maxOut) {
			maxOut = candidates[i].CostPer1MOut
		}
	}

	cost := decimal.NewFromInt(int64(tokensIn)).Mul(maxIn).
		Add(decimal.NewFromInt(estimatedOutTokens).Mul(maxOut)).
		Div(tokensPerMillion)
	if !cost.IsPositive() {
		cost = decimal.NewFromFloat(0.0001)
	}
	return cost
}

// tokenCost prices metered usage at the selected model's rates.
func tokenCost(tokensIn, tokensOut int, model *models.Model) decimal.Decimal {
	return decimal.NewFromInt(int64(tokensIn)).Mul(model.CostPer1MIn).
		Add(decimal.NewFromInt(int64(tokensOut)).Mul(model.CostPer1MOut)).
		Div(tokensPerMillion)
}
