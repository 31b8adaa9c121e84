package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HealthState is the derived health of a provider.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// KeySource indicates whether a credential is account-supplied (BYOK) or
// platform-operated.
type KeySource string

const (
	KeySourceUser     KeySource = "user"
	KeySourcePlatform KeySource = "platform"
)

// Provider is a catalog row owned by an external collaborator. The core only
// reads it and annotates health_status.
type Provider struct {
	ID           string      `json:"id" db:"id"`
	Name         string      `json:"name" db:"name"`
	Enabled      bool        `json:"enabled" db:"enabled"`
	Priority     int         `json:"priority" db:"priority"`
	HealthStatus HealthState `json:"health_status" db:"health_status"`
	Endpoint     string      `json:"endpoint" db:"endpoint"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// Model is a routable model from the provider catalog.
type Model struct {
	ProviderID    string          `json:"provider_id" db:"provider_id"`
	Name          string          `json:"name" db:"name"`
	CostPer1MIn   decimal.Decimal `json:"cost_per_1m_in" db:"cost_per_1m_in"`
	CostPer1MOut  decimal.Decimal `json:"cost_per_1m_out" db:"cost_per_1m_out"`
	ContextLength int             `json:"context_length" db:"context_length"`
	AvgLatencyMS  int             `json:"avg_latency_ms" db:"avg_latency_ms"`
	PowerLevels   []string        `json:"power_level_tags" db:"power_level_tags"`
	QualityScore  float64         `json:"quality_score" db:"quality_score"`
	Enabled       bool            `json:"enabled" db:"enabled"`
}

// CredentialEntry is a stored, encrypted provider credential. Plaintext is
// never persisted; it exists only transiently in memory after decryption.
type CredentialEntry struct {
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	Provider       string    `json:"provider" db:"provider"`
	EncryptedValue []byte    `json:"-" db:"encrypted_value"`
	Nonce          []byte    `json:"-" db:"nonce"`
	Source         KeySource `json:"source" db:"source"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
