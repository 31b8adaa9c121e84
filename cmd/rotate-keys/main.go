package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/credential"
	"github.com/saashqdev/ops-center/internal/database"
)

// rotate-keys re-encrypts every stored provider credential under the
// primary ENCRYPTION_KEY. Run with ENCRYPTION_KEY_SECONDARY set to the
// retiring key; once this completes, the secondary key can be removed from
// configuration.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Encryption.SecondaryKey == "" {
		log.Warn().Msg("ENCRYPTION_KEY_SECONDARY is not set; rows under an older key will be skipped")
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	cipher, err := credential.NewCipher(cfg.Encryption.Key, cfg.Encryption.SecondaryKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cipher")
	}

	resolver := credential.NewResolver(db.Pool, cipher, &cfg.Routing, &cfg.Platform)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	rewritten, err := resolver.ReencryptAll(ctx)
	if err != nil {
		log.Fatal().Err(err).Int("rewritten", rewritten).Msg("Rotation failed")
	}

	log.Info().Int("rewritten", rewritten).Msg("Credential rotation completed")
}
