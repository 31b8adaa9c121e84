package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/saashqdev/ops-center/internal/logging"
	"github.com/saashqdev/ops-center/internal/models"
)

// Service errors
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Trial defaults applied when an account is auto-provisioned on first touch.
var (
	TrialAllocation = decimal.NewFromFloat(5.00)
	TrialMonthlyCap = decimal.NewFromFloat(5.00)
)

// Balance is the externally visible credit state of an account.
type Balance struct {
	AccountID uuid.UUID       `json:"account_id"`
	Tier      models.Tier     `json:"tier"`
	Remaining decimal.Decimal `json:"remaining"`
	Allocated decimal.Decimal `json:"allocated"`
	LastReset time.Time       `json:"last_reset"`
	CreatedAt time.Time       `json:"created_at"`
}

// Reservation is the token returned by Reserve and consumed by Commit or
// Rollback.
type Reservation struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Service owns per-account credit balances with atomic reserve, commit and
// rollback. All per-account mutations are single conditional statements so
// they stay linearizable across process instances; no in-process lock is
// involved.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new credit ledger service.
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// GetBalance returns the account's balance, lazily provisioning a trial
// account on first touch. Repeat calls return the same creation timestamp.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (*Balance, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, tier, credits_remaining, credits_allocated, monthly_cap)
		VALUES ($1, 'trial', $2, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, accountID, TrialAllocation, TrialMonthlyCap)
	if err != nil {
		return nil, fmt.Errorf("failed to provision account: %w", err)
	}

	var b Balance
	err = s.db.QueryRow(ctx, `
		SELECT id, tier, credits_remaining, credits_allocated, last_reset, created_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&b.AccountID, &b.Tier, &b.Remaining, &b.Allocated, &b.LastReset, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	if b.Remaining.IsNegative() {
		logInvariant(accountID, b.Remaining)
		return nil, fmt.Errorf("account %s balance observed negative", accountID)
	}

	return &b, nil
}

// Reserve atomically decrements the balance by estimatedCost and records a
// durable reservation. The conditional UPDATE is the compare-and-swap that
// prevents two concurrent reservations from both succeeding against an
// insufficient balance.
func (s *Service) Reserve(ctx context.Context, accountID uuid.UUID, estimatedCost decimal.Decimal) (*Reservation, error) {
	if !estimatedCost.IsPositive() {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	var remaining decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET credits_remaining = credits_remaining - $2, updated_at = NOW()
		WHERE id = $1 AND credits_remaining >= $2
		RETURNING credits_remaining
	`, accountID, estimatedCost).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}

	if remaining.IsNegative() {
		logInvariant(accountID, remaining)
		return nil, fmt.Errorf("account %s balance went negative on reserve", accountID)
	}

	res := &Reservation{ID: uuid.New(), AccountID: accountID, Amount: estimatedCost}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_reservations (id, account_id, amount, status)
		VALUES ($1, $2, $3, 'held')
	`, res.ID, res.AccountID, res.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to record reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reserve: %w", err)
	}

	return res, nil
}

// Commit finalizes a held reservation at the metered actual cost. The delta
// between estimate and actual is reconciled against the already-decremented
// balance: a refund when actual came in under the estimate, an additional
// debit when it came in over. The over case is applied without a balance
// check; overdraft after the fact is allowed, logged, and floored at zero.
// Committing a reservation that is no longer held is a no-op.
func (s *Service) Commit(ctx context.Context, token uuid.UUID, actualCost decimal.Decimal) error {
	if actualCost.IsNegative() {
		return ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var held decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations
		SET status = 'committed', actual_cost = $2, closed_at = NOW()
		WHERE id = $1 AND status = 'held'
		RETURNING account_id, amount
	`, token, actualCost).Scan(&accountID, &held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already committed or rolled back.
			return nil
		}
		return fmt.Errorf("failed to commit reservation: %w", err)
	}

	delta := held.Sub(actualCost)
	switch {
	case delta.IsPositive():
		_, err = tx.Exec(ctx, `
			UPDATE accounts
			SET credits_remaining = credits_remaining + $2, updated_at = NOW()
			WHERE id = $1
		`, accountID, delta)
		if err != nil {
			return fmt.Errorf("failed to refund reservation delta: %w", err)
		}
	case delta.IsNegative():
		overrun := delta.Neg()
		var remaining decimal.Decimal
		err = tx.QueryRow(ctx, `
			UPDATE accounts
			SET credits_remaining = GREATEST(credits_remaining - $2, 0), updated_at = NOW()
			WHERE id = $1
			RETURNING credits_remaining
		`, accountID, overrun).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to apply overrun debit: %w", err)
		}
		log.Warn().
			Str("account_id", accountID.String()).
			Str("reservation_id", token.String()).
			Str("estimated", held.String()).
			Str("actual", actualCost.String()).
			Str("overrun", overrun.String()).
			Msg("Actual cost exceeded reservation")
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback returns a held reservation's amount to the balance. It is
// idempotent: a second rollback, or a rollback after commit, is a no-op.
func (s *Service) Rollback(ctx context.Context, token uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var held decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations
		SET status = 'rolled_back', closed_at = NOW()
		WHERE id = $1 AND status = 'held'
		RETURNING account_id, amount
	`, token).Scan(&accountID, &held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to roll back reservation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET credits_remaining = credits_remaining + $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, held)
	if err != nil {
		return fmt.Errorf("failed to return reserved credits: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	return nil
}

// ResetCycle restores the balance to the allocated amount and stamps
// last_reset. Invoked by the external billing-cycle collaborator at the
// period boundary.
func (s *Service) ResetCycle(ctx context.Context, accountID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET credits_remaining = credits_allocated, last_reset = NOW(), updated_at = NOW()
		WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to reset billing cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s not found", accountID)
	}
	return nil
}

func logInvariant(accountID uuid.UUID, remaining decimal.Decimal) {
	logging.LogInvariantViolation("ledger", "negative_balance", map[string]string{
		"account_id": accountID.String(),
		"remaining":  remaining.String(),
	})
}
