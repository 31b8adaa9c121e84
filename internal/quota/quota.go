package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/saashqdev/ops-center/internal/cache"
	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/models"
)

// Service errors
var (
	ErrQuotaExceeded = errors.New("call quota exceeded")
	ErrUnknownTier   = errors.New("unknown tier")
)

// Unlimited is the limit value encoding "no call-count cap".
const Unlimited = -1

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Lua script for atomic check-and-increment against a per-window key. The
// window key embeds the period start, so a fresh window begins at zero and
// the rollover is inseparable from the check: no caller can observe a reset
// without being subject to the fresh limit. Calls past the limit are still
// counted (the increment is non-refundable) but rejected.
const luaCheckAndIncrement = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[2]))
end
local limit = tonumber(ARGV[1])
if limit >= 0 and current > limit then
    return {current, 0}
end
return {current, 1}
`

// Enforcer enforces tier-based call-count limits per rolling daily window,
// independent of credit balance. The authoritative counter lives in Redis so
// the increment-and-compare stays atomic across process instances; Postgres
// holds a fallback path and a reporting mirror. Increments are deliberately
// non-refundable: there is no decrement API, so a failed request keeps its
// counted call.
type Enforcer struct {
	redis      *cache.Redis
	db         *pgxpool.Pool
	tierLimits map[string]int
}

// NewEnforcer creates a quota enforcer. The tier table has already been
// validated at startup.
func NewEnforcer(redis *cache.Redis, db *pgxpool.Pool, cfg *config.QuotaConfig) *Enforcer {
	return &Enforcer{
		redis:      redis,
		db:         db,
		tierLimits: cfg.TierLimits,
	}
}

// CheckAndIncrement admits or rejects one call for the account under its
// tier limit, counting it in the same atomic operation. On rejection the
// returned error is ErrQuotaExceeded and the Decision carries ResetAt.
func (e *Enforcer) CheckAndIncrement(ctx context.Context, accountID uuid.UUID, tier models.Tier) (*Decision, error) {
	limit, ok := e.tierLimits[string(tier)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	periodStart, periodEnd := currentWindow(time.Now().UTC())
	decision := &Decision{Limit: int64(limit), ResetAt: periodEnd}

	key := windowKey(accountID, periodStart)
	result, err := e.redis.Client.Eval(ctx, luaCheckAndIncrement,
		[]string{key},
		limit, periodEnd.Unix(),
	).Int64Slice()
	if err != nil {
		// Redis unavailable: fall back to the Postgres upsert so admission
		// still fails closed and stays atomic across instances.
		log.Warn().Err(err).Str("account_id", accountID.String()).Msg("Redis quota check failed, using database fallback")
		return e.checkAndIncrementDB(ctx, accountID, limit, periodStart, periodEnd)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected quota script result length: %d", len(result))
	}

	decision.Used = result[0]
	decision.Allowed = result[1] == 1

	go e.mirrorWindow(context.Background(), accountID, decision.Used, int64(limit), periodStart, periodEnd)

	if !decision.Allowed {
		return decision, ErrQuotaExceeded
	}
	return decision, nil
}

// checkAndIncrementDB is the Postgres path: a single upsert whose WHERE
// clause performs the increment-and-compare, never read-then-write.
func (e *Enforcer) checkAndIncrementDB(ctx context.Context, accountID uuid.UUID, limit int, periodStart, periodEnd time.Time) (*Decision, error) {
	decision := &Decision{Limit: int64(limit), ResetAt: periodEnd}

	var used int64
	err := e.db.QueryRow(ctx, `
		INSERT INTO quota_windows (account_id, period_start, period_end, calls_used, calls_limit)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (account_id, period_start)
		DO UPDATE SET calls_used = quota_windows.calls_used + 1, updated_at = NOW()
		WHERE $4 < 0 OR quota_windows.calls_used < $4
		RETURNING calls_used
	`, accountID, periodStart, periodEnd, limit).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The WHERE clause blocked the increment: window is full.
			decision.Used = int64(limit)
			return decision, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("failed to check quota: %w", err)
	}

	decision.Used = used
	decision.Allowed = true
	return decision, nil
}

// Window returns the current window state for an account without counting a
// call.
func (e *Enforcer) Window(ctx context.Context, accountID uuid.UUID, tier models.Tier) (*models.QuotaWindow, error) {
	limit, ok := e.tierLimits[string(tier)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	periodStart, periodEnd := currentWindow(time.Now().UTC())
	window := &models.QuotaWindow{
		AccountID:   accountID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		CallsLimit:  int64(limit),
	}

	used, err := e.redis.Client.Get(ctx, windowKey(accountID, periodStart)).Int64()
	if err == nil {
		window.CallsUsed = used
		return window, nil
	}

	err = e.db.QueryRow(ctx, `
		SELECT calls_used FROM quota_windows
		WHERE account_id = $1 AND period_start = $2
	`, accountID, periodStart).Scan(&window.CallsUsed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read quota window: %w", err)
	}

	return window, nil
}

// mirrorWindow copies the Redis counter into Postgres for reporting. Best
// effort; the Redis counter remains authoritative.
func (e *Enforcer) mirrorWindow(ctx context.Context, accountID uuid.UUID, used, limit int64, periodStart, periodEnd time.Time) {
	_, err := e.db.Exec(ctx, `
		INSERT INTO quota_windows (account_id, period_start, period_end, calls_used, calls_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, period_start)
		DO UPDATE SET calls_used = GREATEST(quota_windows.calls_used, $4), updated_at = NOW()
	`, accountID, periodStart, periodEnd, used, limit)
	if err != nil {
		log.Warn().Err(err).
			Str("account_id", accountID.String()).
			Msg("Failed to mirror quota window to database")
	}
}

// currentWindow returns the UTC day boundaries containing now.
func currentWindow(now time.Time) (start, end time.Time) {
	start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func windowKey(accountID uuid.UUID, periodStart time.Time) string {
	return fmt.Sprintf("quota:%s:%d", accountID.String(), periodStart.Unix())
}
