package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageStatus is the terminal outcome of a metered request.
type UsageStatus string

const (
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
	UsageRejected  UsageStatus = "rejected"
)

// UsageRecord is an append-only accounting row, written exactly once per
// terminal outcome and never mutated or deleted.
type UsageRecord struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	AccountID   uuid.UUID       `json:"account_id" db:"account_id"`
	Endpoint    string          `json:"endpoint" db:"endpoint"`
	TokensIn    int             `json:"tokens_in" db:"tokens_in"`
	TokensOut   int             `json:"tokens_out" db:"tokens_out"`
	CostCredits decimal.Decimal `json:"cost_credits" db:"cost_credits"`
	Provider    string          `json:"provider" db:"provider"`
	Model       string          `json:"model" db:"model"`
	Status      UsageStatus     `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"timestamp" db:"created_at"`
}

// QuotaWindow mirrors the authoritative Redis counter into Postgres for
// reporting. Exactly one open window exists per account at any time.
type QuotaWindow struct {
	AccountID   uuid.UUID `json:"account_id" db:"account_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`
	CallsUsed   int64     `json:"calls_used" db:"calls_used"`
	CallsLimit  int64     `json:"calls_limit" db:"calls_limit"`
}
