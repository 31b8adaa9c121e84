package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/models"
)

// Service errors
var (
	ErrNoCredentialAvailable = errors.New("no credential available for provider")
	ErrCredentialNotFound    = errors.New("credential not found")
)

// DefaultCacheTTL bounds how long a decrypted key may be served from memory.
const DefaultCacheTTL = 5 * time.Minute

// Resolved is the outcome of credential resolution. Key is plaintext and
// must not be persisted or logged.
type Resolved struct {
	Provider    string
	Key         string
	Source      models.KeySource
	Substituted bool
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
}

// Resolver decrypts and resolves which provider credential to use for a
// request. Precedence: the account's own credential for the provider, then
// the first fallback provider the account has a credential for, then the
// platform-operated key.
type Resolver struct {
	db            *pgxpool.Pool
	cipher        *Cipher
	fallbackOrder []string
	platformKeys  map[string]string
	cacheTTL      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a credential resolver.
func NewResolver(db *pgxpool.Pool, cipher *Cipher, routingCfg *config.RoutingConfig, platformCfg *config.PlatformConfig) *Resolver {
	return &Resolver{
		db:            db,
		cipher:        cipher,
		fallbackOrder: routingCfg.FallbackOrder,
		platformKeys:  platformCfg.ProviderKeys,
		cacheTTL:      DefaultCacheTTL,
		cache:         make(map[string]cacheEntry),
	}
}

// Resolve returns the credential to use for accountID against provider.
func (r *Resolver) Resolve(ctx context.Context, accountID uuid.UUID, provider string) (*Resolved, error) {
	// Own credential first.
	key, err := r.userKey(ctx, accountID, provider)
	if err == nil {
		return &Resolved{Provider: provider, Key: key, Source: models.KeySourceUser}, nil
	}
	if !errors.Is(err, ErrCredentialNotFound) {
		return nil, err
	}

	// Walk the configured fallback providers.
	for _, alt := range r.fallbackOrder {
		if alt == provider {
			continue
		}
		key, err := r.userKey(ctx, accountID, alt)
		if err == nil {
			return &Resolved{Provider: alt, Key: key, Source: models.KeySourceUser, Substituted: true}, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			return nil, err
		}
	}

	// Platform-operated key, never cached per-account.
	if key := r.platformKeys[provider]; key != "" {
		return &Resolved{Provider: provider, Key: key, Source: models.KeySourcePlatform}, nil
	}

	return nil, ErrNoCredentialAvailable
}

// userKey returns the account's decrypted credential for provider, serving
// from the TTL cache when fresh.
func (r *Resolver) userKey(ctx context.Context, accountID uuid.UUID, provider string) (string, error) {
	ck := cacheKey(accountID, provider)

	r.mu.RLock()
	entry, ok := r.cache[ck]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.key, nil
	}

	var encrypted, nonce []byte
	err := r.db.QueryRow(ctx, `
		SELECT encrypted_value, nonce
		FROM provider_credentials
		WHERE owner_id = $1 AND provider = $2
	`, accountID, provider).Scan(&encrypted, &nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to load credential: %w", err)
	}

	plaintext, err := r.cipher.Decrypt(encrypted, nonce)
	if err != nil {
		return "", err
	}

	key := string(plaintext)
	r.mu.Lock()
	r.cache[ck] = cacheEntry{key: key, expiresAt: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()

	return key, nil
}

// Store encrypts and upserts an account credential, then invalidates the
// cache entry for that pair.
func (r *Resolver) Store(ctx context.Context, accountID uuid.UUID, provider, plaintext string) error {
	ciphertext, nonce, err := r.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO provider_credentials (owner_id, provider, encrypted_value, nonce, source)
		VALUES ($1, $2, $3, $4, 'user')
		ON CONFLICT (owner_id, provider)
		DO UPDATE SET encrypted_value = $3, nonce = $4, updated_at = NOW()
	`, accountID, provider, ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	r.ClearCache(accountID.String(), provider)
	return nil
}

// Delete removes an account credential and invalidates its cache entry.
func (r *Resolver) Delete(ctx context.Context, accountID uuid.UUID, provider string) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM provider_credentials WHERE owner_id = $1 AND provider = $2
	`, accountID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}

	r.ClearCache(accountID.String(), provider)
	return nil
}

// ClearCache is the only mutation path for the decrypted-key cache besides
// population in userKey. Empty accountID clears everything; empty provider
// clears all entries for the account.
func (r *Resolver) ClearCache(accountID, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if accountID == "" {
		r.cache = make(map[string]cacheEntry)
		return
	}
	if provider == "" {
		prefix := accountID + "|"
		for k := range r.cache {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(r.cache, k)
			}
		}
		return
	}
	delete(r.cache, accountID+"|"+provider)
}

// ReencryptAll rewrites every stored credential under the primary key. Run
// while the retiring secondary key is still configured, before it is
// removed.
func (r *Resolver) ReencryptAll(ctx context.Context) (int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT owner_id, provider, encrypted_value, nonce FROM provider_credentials
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	type row struct {
		owner            uuid.UUID
		provider         string
		encrypted, nonce []byte
	}
	var all []row
	for rows.Next() {
		var rec row
		if err := rows.Scan(&rec.owner, &rec.provider, &rec.encrypted, &rec.nonce); err != nil {
			return 0, fmt.Errorf("failed to scan credential: %w", err)
		}
		all = append(all, rec)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate credentials: %w", err)
	}

	rewritten := 0
	for _, rec := range all {
		plaintext, err := r.cipher.Decrypt(rec.encrypted, rec.nonce)
		if err != nil {
			log.Error().
				Str("owner_id", rec.owner.String()).
				Str("provider", rec.provider).
				Msg("Credential undecryptable during rotation, skipping")
			continue
		}
		ciphertext, nonce, err := r.cipher.Encrypt(plaintext)
		if err != nil {
			return rewritten, err
		}
		_, err = r.db.Exec(ctx, `
			UPDATE provider_credentials
			SET encrypted_value = $3, nonce = $4, updated_at = NOW()
			WHERE owner_id = $1 AND provider = $2
		`, rec.owner, rec.provider, ciphertext, nonce)
		if err != nil {
			return rewritten, fmt.Errorf("failed to rewrite credential: %w", err)
		}
		rewritten++
	}

	r.ClearCache("", "")
	return rewritten, nil
}

func cacheKey(accountID uuid.UUID, provider string) string {
	return accountID.String() + "|" + provider
}
