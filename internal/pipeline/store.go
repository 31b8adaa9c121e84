package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saashqdev/ops-center/internal/models"
)

// ErrProviderNotFound is returned when a catalog provider has no endpoint.
var ErrProviderNotFound = errors.New("provider not found")

// PGStore persists usage records and reads provider endpoints from the
// catalog.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed pipeline store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// InsertUsage appends one usage record. The table is append-only; records
// are never updated or deleted.
func (s *PGStore) InsertUsage(ctx context.Context, record *models.UsageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (id, account_id, endpoint, tokens_in, tokens_out, cost_credits, provider, model, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.AccountID, record.Endpoint, record.TokensIn, record.TokensOut,
		record.CostCredits, record.Provider, record.Model, record.Status)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// ProviderEndpoint returns the dispatch endpoint for an enabled provider.
func (s *PGStore) ProviderEndpoint(ctx context.Context, providerID string) (string, error) {
	var endpoint string
	err := s.db.QueryRow(ctx, `
		SELECT endpoint FROM providers WHERE id = $1 AND enabled = true
	`, providerID).Scan(&endpoint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProviderNotFound
		}
		return "", fmt.Errorf("failed to load provider endpoint: %w", err)
	}
	return endpoint, nil
}

// ListUsage returns recent usage records for an account, newest first.
func (s *PGStore) ListUsage(ctx context.Context, accountID uuid.UUID, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, endpoint, tokens_in, tokens_out, cost_credits, provider, model, status, created_at
		FROM usage_records
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		err := rows.Scan(&r.ID, &r.AccountID, &r.Endpoint, &r.TokensIn, &r.TokensOut,
			&r.CostCredits, &r.Provider, &r.Model, &r.Status, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage records: %w", err)
	}
	return records, nil
}
