package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saashqdev/ops-center/internal/credential"
	"github.com/saashqdev/ops-center/internal/dispatch"
	"github.com/saashqdev/ops-center/internal/health"
	"github.com/saashqdev/ops-center/internal/ledger"
	"github.com/saashqdev/ops-center/internal/models"
	"github.com/saashqdev/ops-center/internal/pipeline"
	"github.com/saashqdev/ops-center/internal/quota"
	"github.com/saashqdev/ops-center/internal/router"
)

// In-memory fakes for every collaborator, so the state machine's ordering
// and unwind behavior can be asserted without infrastructure.

type fakeLedger struct {
	balance     decimal.Decimal
	tier        models.Tier
	reserves    int
	commits     []decimal.Decimal
	rollbacks   int
	reserveErr  error
	commitErr   error
	lastReserve *ledger.Reservation
	held        map[uuid.UUID]decimal.Decimal
}

func (f *fakeLedger) GetBalance(ctx context.Context, accountID uuid.UUID) (*ledger.Balance, error) {
	tier := f.tier
	if tier == "" {
		tier = models.TierStarter
	}
	return &ledger.Balance{AccountID: accountID, Tier: tier, Remaining: f.balance}, nil
}

func (f *fakeLedger) Reserve(ctx context.Context, accountID uuid.UUID, estimatedCost decimal.Decimal) (*ledger.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.reserves++
	f.balance = f.balance.Sub(estimatedCost)
	f.lastReserve = &ledger.Reservation{ID: uuid.New(), AccountID: accountID, Amount: estimatedCost}
	if f.held == nil {
		f.held = make(map[uuid.UUID]decimal.Decimal)
	}
	f.held[f.lastReserve.ID] = estimatedCost
	return f.lastReserve, nil
}

func (f *fakeLedger) Commit(ctx context.Context, token uuid.UUID, actualCost decimal.Decimal) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, actualCost)
	if amount, ok := f.held[token]; ok {
		f.balance = f.balance.Add(amount).Sub(actualCost)
		delete(f.held, token)
	}
	return nil
}

func (f *fakeLedger) Rollback(ctx context.Context, token uuid.UUID) error {
	f.rollbacks++
	if amount, ok := f.held[token]; ok {
		f.balance = f.balance.Add(amount)
		delete(f.held, token)
	}
	return nil
}

type fakeQuota struct {
	increments int
	exceeded   bool
}

func (f *fakeQuota) CheckAndIncrement(ctx context.Context, accountID uuid.UUID, tier models.Tier) (*quota.Decision, error) {
	f.increments++
	decision := &quota.Decision{Used: int64(f.increments), Limit: 33, ResetAt: time.Now().Add(time.Hour)}
	if f.exceeded {
		return decision, quota.ErrQuotaExceeded
	}
	decision.Allowed = true
	return decision, nil
}

type fakeResolver struct {
	// keys maps provider to plaintext; providers absent here have no
	// credential.
	keys        map[string]string
	substituted string
}

func (f *fakeResolver) Resolve(ctx context.Context, accountID uuid.UUID, provider string) (*credential.Resolved, error) {
	if key, ok := f.keys[provider]; ok {
		return &credential.Resolved{Provider: provider, Key: key, Source: models.KeySourceUser}, nil
	}
	if f.substituted != "" {
		if key, ok := f.keys[f.substituted]; ok {
			return &credential.Resolved{Provider: f.substituted, Key: key, Source: models.KeySourceUser, Substituted: true}, nil
		}
	}
	return nil, credential.ErrNoCredentialAvailable
}

type healthEvent struct {
	providerID string
	success    bool
	latency    time.Duration
}

type fakeMonitor struct {
	events []healthEvent
}

func (f *fakeMonitor) RecordResult(providerID string, success bool, latency time.Duration) {
	f.events = append(f.events, healthEvent{providerID: providerID, success: success, latency: latency})
}

func (f *fakeMonitor) Status(providerID string) health.Status {
	return health.Status{ProviderID: providerID, State: models.HealthHealthy}
}

type fakeRouter struct {
	catalog []models.Model
	rankErr error
}

func (f *fakeRouter) Catalog(ctx context.Context, providerHint string) ([]models.Model, error) {
	return f.catalog, nil
}

func (f *fakeRouter) Rank(level router.PowerLevel, candidates []models.Model) ([]models.Model, error) {
	if f.rankErr != nil {
		return nil, f.rankErr
	}
	if len(candidates) == 0 {
		return nil, router.ErrNoAvailableModel
	}
	return candidates, nil
}

type fakeDispatcher struct {
	attempts []string // provider IDs in attempt order
	// failUntil fails every attempt whose ordinal is below it; failing
	// attempts burn failDelay of wall time first.
	failUntil int
	failDelay time.Duration
	result    *dispatch.Result
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, target dispatch.Target) (*dispatch.Result, error) {
	f.attempts = append(f.attempts, target.ProviderID)
	if len(f.attempts) <= f.failUntil {
		time.Sleep(f.failDelay)
		return nil, dispatch.ErrUpstreamError
	}
	if f.result != nil {
		return f.result, nil
	}
	return &dispatch.Result{TokensIn: 100, TokensOut: 50, Latency: 200 * time.Millisecond}, nil
}

type fakeStore struct {
	usage     []models.UsageRecord
	endpoints map[string]string
}

func (f *fakeStore) InsertUsage(ctx context.Context, record *models.UsageRecord) error {
	f.usage = append(f.usage, *record)
	return nil
}

func (f *fakeStore) ProviderEndpoint(ctx context.Context, providerID string) (string, error) {
	if ep, ok := f.endpoints[providerID]; ok {
		return ep, nil
	}
	return "https://" + providerID + ".example.com/v1/chat", nil
}

type fixture struct {
	ledger     *fakeLedger
	quota      *fakeQuota
	resolver   *fakeResolver
	monitor    *fakeMonitor
	router     *fakeRouter
	dispatcher *fakeDispatcher
	store      *fakeStore
	pipe       *pipeline.Pipeline
}

func newFixture(maxRetries int) *fixture {
	f := &fixture{
		ledger: &fakeLedger{balance: decimal.NewFromInt(100)},
		quota:  &fakeQuota{},
		resolver: &fakeResolver{keys: map[string]string{
			"openai":    "sk-openai",
			"anthropic": "sk-anthropic",
		}},
		monitor: &fakeMonitor{},
		router: &fakeRouter{catalog: []models.Model{
			{
				ProviderID:   "openai",
				Name:         "gpt-4o-mini",
				CostPer1MIn:  decimal.NewFromFloat(0.15),
				CostPer1MOut: decimal.NewFromFloat(0.6),
				Enabled:      true,
			},
			{
				ProviderID:   "anthropic",
				Name:         "claude-haiku",
				CostPer1MIn:  decimal.NewFromFloat(0.8),
				CostPer1MOut: decimal.NewFromFloat(4.0),
				Enabled:      true,
			},
		}},
		dispatcher: &fakeDispatcher{},
		store:      &fakeStore{},
	}
	f.pipe = pipeline.New(f.ledger, f.quota, f.resolver, f.monitor, f.router, f.dispatcher, f.store, maxRetries)
	return f
}

func meterRequest() *pipeline.MeterRequest {
	return &pipeline.MeterRequest{
		AccountID:  uuid.New(),
		PowerLevel: router.PowerEco,
		Payload:    []byte(`{"messages":[{"role":"user","content":"hello"}]}`),
	}
}

func TestMeterHappyPath(t *testing.T) {
	f := newFixture(2)

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if err != nil {
		t.Fatalf("Meter failed: %v", err)
	}

	if result.Status != models.UsageCompleted {
		t.Fatalf("Expected completed, got %s", result.Status)
	}
	if result.Provider != "openai" || result.Model != "gpt-4o-mini" {
		t.Fatalf("Unexpected selection: %s/%s", result.Provider, result.Model)
	}
	if result.TokensIn != 100 || result.TokensOut != 50 {
		t.Fatalf("Token counts not carried through: %d/%d", result.TokensIn, result.TokensOut)
	}

	if f.ledger.reserves != 1 || len(f.ledger.commits) != 1 || f.ledger.rollbacks != 0 {
		t.Fatalf("Expected reserve+commit and no rollback, got reserves=%d commits=%d rollbacks=%d",
			f.ledger.reserves, len(f.ledger.commits), f.ledger.rollbacks)
	}

	// Actual cost priced at the selected model's rates:
	// 100 * 0.15/1M + 50 * 0.6/1M.
	want := decimal.NewFromInt(100).Mul(decimal.NewFromFloat(0.15)).
		Add(decimal.NewFromInt(50).Mul(decimal.NewFromFloat(0.6))).
		Div(decimal.NewFromInt(1_000_000))
	if !f.ledger.commits[0].Equal(want) {
		t.Fatalf("Committed cost mismatch: expected %s, got %s", want, f.ledger.commits[0])
	}

	if len(f.store.usage) != 1 || f.store.usage[0].Status != models.UsageCompleted {
		t.Fatalf("Expected exactly one completed usage row, got %+v", f.store.usage)
	}
	if len(f.monitor.events) != 1 || !f.monitor.events[0].success {
		t.Fatalf("Expected one successful health event, got %+v", f.monitor.events)
	}
}

func TestMeterQuotaExceededLeavesNoHold(t *testing.T) {
	f := newFixture(2)
	f.quota.exceeded = true

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got: %v", err)
	}

	if f.ledger.reserves != 0 {
		t.Fatal("No credits may be reserved for a quota-rejected call")
	}
	if len(f.dispatcher.attempts) != 0 {
		t.Fatal("No dispatch may happen for a quota-rejected call")
	}
	if result.Status != models.UsageRejected {
		t.Fatalf("Expected rejected status, got %s", result.Status)
	}
	if len(f.store.usage) != 1 || f.store.usage[0].Status != models.UsageRejected {
		t.Fatalf("Rejection must append exactly one rejected usage row, got %+v", f.store.usage)
	}
	if result.Quota == nil || result.Quota.ResetAt.IsZero() {
		t.Fatal("Rejection must carry the window reset time")
	}
}

func TestMeterInsufficientCredits(t *testing.T) {
	f := newFixture(2)
	f.ledger.reserveErr = ledger.ErrInsufficientCredits

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("Expected ErrInsufficientCredits, got: %v", err)
	}

	// The quota increment is non-refundable even though admission failed
	// later in the pipeline.
	if f.quota.increments != 1 {
		t.Fatalf("Quota increment must stand, got %d increments", f.quota.increments)
	}
	if len(f.dispatcher.attempts) != 0 {
		t.Fatal("No dispatch may happen without a reservation")
	}
	if result.Status != models.UsageRejected || len(f.store.usage) != 1 {
		t.Fatalf("Expected one rejected usage row, got %+v", f.store.usage)
	}
}

func TestMeterNoCredential(t *testing.T) {
	f := newFixture(2)
	f.resolver.keys = nil

	_, err := f.pipe.Meter(context.Background(), meterRequest())
	if !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("Expected ErrNoCredentialAvailable, got: %v", err)
	}
	if f.quota.increments != 0 {
		t.Fatal("Credential resolution precedes the quota check; no increment expected")
	}
	if len(f.store.usage) != 1 || f.store.usage[0].Status != models.UsageRejected {
		t.Fatalf("Expected one rejected usage row, got %+v", f.store.usage)
	}
}

func TestMeterRetriesNextRankedModel(t *testing.T) {
	f := newFixture(2)
	f.dispatcher.failUntil = 1 // first attempt fails, second succeeds

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if err != nil {
		t.Fatalf("Meter should succeed on the second candidate: %v", err)
	}

	if result.Provider != "anthropic" {
		t.Fatalf("Expected fallback to anthropic, got %s", result.Provider)
	}
	if len(f.dispatcher.attempts) != 2 {
		t.Fatalf("Expected 2 dispatch attempts, got %d", len(f.dispatcher.attempts))
	}

	// Every attempt feeds the health monitor: one failure, one success.
	if len(f.monitor.events) != 2 {
		t.Fatalf("Expected 2 health events, got %d", len(f.monitor.events))
	}
	if f.monitor.events[0].success || f.monitor.events[0].providerID != "openai" {
		t.Fatalf("First event should be an openai failure, got %+v", f.monitor.events[0])
	}
	if !f.monitor.events[1].success || f.monitor.events[1].providerID != "anthropic" {
		t.Fatalf("Second event should be an anthropic success, got %+v", f.monitor.events[1])
	}

	if f.ledger.rollbacks != 0 || len(f.ledger.commits) != 1 {
		t.Fatal("A retried-then-successful request commits its reservation")
	}
}

func TestMeterAllDispatchesFailRollsBack(t *testing.T) {
	f := newFixture(1)
	f.dispatcher.failUntil = 10 // every attempt fails

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if !errors.Is(err, pipeline.ErrProviderDispatch) {
		t.Fatalf("Expected ErrProviderDispatch, got: %v", err)
	}

	// maxRetries=1 bounds the walk at 2 attempts even with more candidates.
	if len(f.dispatcher.attempts) != 2 {
		t.Fatalf("Expected exactly 2 attempts with maxRetries=1, got %d", len(f.dispatcher.attempts))
	}

	if f.ledger.rollbacks != 1 || len(f.ledger.commits) != 0 {
		t.Fatalf("Expected the hold to be rolled back, got rollbacks=%d commits=%d",
			f.ledger.rollbacks, len(f.ledger.commits))
	}

	// The quota increment is not returned.
	if f.quota.increments != 1 {
		t.Fatalf("Quota increment must stand after dispatch failure, got %d", f.quota.increments)
	}

	if result.Status != models.UsageFailed {
		t.Fatalf("Expected failed status, got %s", result.Status)
	}
	if len(f.store.usage) != 1 || f.store.usage[0].Status != models.UsageFailed {
		t.Fatalf("Expected exactly one failed usage row, got %+v", f.store.usage)
	}
}

// A commit failure after a successful dispatch is still a terminal outcome:
// the delivered response gets its usage row and the hold is not rolled back.
func TestMeterCommitFailureStillRecordsUsage(t *testing.T) {
	f := newFixture(2)
	f.ledger.commitErr = errors.New("connection reset by peer")

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if err == nil {
		t.Fatal("Meter must surface the commit failure")
	}

	if result.Status != models.UsageCompleted {
		t.Fatalf("The response was delivered; expected completed status, got %s", result.Status)
	}
	if len(f.store.usage) != 1 || f.store.usage[0].Status != models.UsageCompleted {
		t.Fatalf("Expected exactly one completed usage row despite the commit failure, got %+v", f.store.usage)
	}
	if f.store.usage[0].Provider != "openai" || f.store.usage[0].TokensIn != 100 {
		t.Fatalf("Usage row must carry the dispatch outcome, got %+v", f.store.usage[0])
	}
	if f.ledger.rollbacks != 0 {
		t.Fatal("A delivered response must not be rolled back on commit failure")
	}
}

// The success payload reports the balance after the committed debit, not the
// pre-request read.
func TestMeterSuccessReportsPostCommitBalance(t *testing.T) {
	f := newFixture(2)

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if err != nil {
		t.Fatalf("Meter failed: %v", err)
	}

	want := decimal.NewFromInt(100).Sub(result.CostCredits)
	if !result.Remaining.Equal(want) {
		t.Fatalf("Expected post-commit remaining %s, got %s", want, result.Remaining)
	}
}

// Failed attempts feed their measured wall time into the health monitor so
// the latency average is not dragged toward zero by flaky providers.
func TestMeterFailedAttemptRecordsMeasuredLatency(t *testing.T) {
	f := newFixture(2)
	f.dispatcher.failUntil = 1
	f.dispatcher.failDelay = 5 * time.Millisecond

	_, err := f.pipe.Meter(context.Background(), meterRequest())
	if err != nil {
		t.Fatalf("Meter should succeed on the second candidate: %v", err)
	}

	if len(f.monitor.events) != 2 {
		t.Fatalf("Expected 2 health events, got %d", len(f.monitor.events))
	}
	if f.monitor.events[0].success {
		t.Fatalf("First event should be a failure, got %+v", f.monitor.events[0])
	}
	if f.monitor.events[0].latency < 5*time.Millisecond {
		t.Fatalf("Failure event must carry the measured elapsed time, got %v", f.monitor.events[0].latency)
	}
}

func TestMeterSkipsCandidateWithoutCredential(t *testing.T) {
	f := newFixture(2)
	// Account holds an anthropic key only; the hinted provider substitutes.
	f.resolver.keys = map[string]string{"anthropic": "sk-anthropic"}
	f.resolver.substituted = "anthropic"

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if err != nil {
		t.Fatalf("Meter failed: %v", err)
	}

	if result.Provider != "anthropic" {
		t.Fatalf("Expected anthropic (the only provider with a credential), got %s", result.Provider)
	}
	if !result.Substituted {
		t.Fatal("Result should flag the credential substitution")
	}
	// The openai candidate had no credential: skipped without consuming a
	// dispatch attempt.
	if len(f.dispatcher.attempts) != 1 || f.dispatcher.attempts[0] != "anthropic" {
		t.Fatalf("Expected a single anthropic attempt, got %v", f.dispatcher.attempts)
	}
}

func TestMeterNoEligibleModelReleasesHold(t *testing.T) {
	f := newFixture(2)
	f.router.rankErr = router.ErrNoAvailableModel

	result, err := f.pipe.Meter(context.Background(), meterRequest())
	if !errors.Is(err, router.ErrNoAvailableModel) {
		t.Fatalf("Expected ErrNoAvailableModel, got: %v", err)
	}

	if f.ledger.reserves != 1 || f.ledger.rollbacks != 1 {
		t.Fatalf("The hold must be released when no model is eligible, got reserves=%d rollbacks=%d",
			f.ledger.reserves, f.ledger.rollbacks)
	}
	if result.Status != models.UsageRejected || len(f.store.usage) != 1 {
		t.Fatalf("Expected one rejected usage row, got %+v", f.store.usage)
	}
}

func TestMeterEstimateUsesWorstCaseRate(t *testing.T) {
	f := newFixture(2)

	_, err := f.pipe.Meter(context.Background(), meterRequest())
	if err != nil {
		t.Fatalf("Meter failed: %v", err)
	}

	// The reservation must cover the most expensive candidate (anthropic
	// rates), not the one eventually selected.
	perTokenOut := decimal.NewFromFloat(4.0).Div(decimal.NewFromInt(1_000_000))
	minHold := decimal.NewFromInt(1024).Mul(perTokenOut)
	if f.ledger.lastReserve.Amount.LessThan(minHold) {
		t.Fatalf("Reservation %s does not cover worst-case output at the priciest rate (min %s)",
			f.ledger.lastReserve.Amount, minHold)
	}
}

func TestMeterDefaultsEndpoint(t *testing.T) {
	f := newFixture(2)
	req := meterRequest()
	req.Endpoint = ""

	_, err := f.pipe.Meter(context.Background(), req)
	if err != nil {
		t.Fatalf("Meter failed: %v", err)
	}
	if f.store.usage[0].Endpoint != "chat" {
		t.Fatalf("Empty endpoint should default to chat, got %q", f.store.usage[0].Endpoint)
	}
}
