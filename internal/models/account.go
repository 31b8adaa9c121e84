package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tier is a billing tier name. The valid set is closed and validated in
// config at startup.
type Tier string

const (
	TierTrial        Tier = "trial"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Account represents a tenant account's credit state. credits_remaining is
// never negative.
type Account struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	Tier             Tier            `json:"tier" db:"tier"`
	CreditsRemaining decimal.Decimal `json:"credits_remaining" db:"credits_remaining"`
	CreditsAllocated decimal.Decimal `json:"credits_allocated" db:"credits_allocated"`
	MonthlyCap       decimal.Decimal `json:"monthly_cap" db:"monthly_cap"`
	LastReset        time.Time       `json:"last_reset" db:"last_reset"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// ReservationStatus tracks the lifecycle of a credit reservation.
type ReservationStatus string

const (
	ReservationHeld       ReservationStatus = "held"
	ReservationCommitted  ReservationStatus = "committed"
	ReservationRolledBack ReservationStatus = "rolled_back"
)

// CreditReservation is a durable hold against an account's balance. The row,
// not an in-memory lock, is what prevents double-spend while a dispatch is
// in flight.
type CreditReservation struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	AccountID  uuid.UUID         `json:"account_id" db:"account_id"`
	Amount     decimal.Decimal   `json:"amount" db:"amount"`
	ActualCost *decimal.Decimal  `json:"actual_cost,omitempty" db:"actual_cost"`
	Status     ReservationStatus `json:"status" db:"status"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	ClosedAt   *time.Time        `json:"closed_at,omitempty" db:"closed_at"`
}
