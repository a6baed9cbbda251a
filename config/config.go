// Package config loads service settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the auction house service.
// Fee rates are percentages of 100_000.
type Config struct {
	Port        string
	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	HouseAddress    string
	OwnerAddress    string
	ProtocolAddress string

	MinAuctionDuration uint64 // seconds
	SettlementGrace    uint64 // seconds after conclusion before abort opens

	ProtocolFeePercent   uint64
	ReferrerFeePercent   uint64
	MaxCuratorFeePercent uint64
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over file entries.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:            envOr("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		KafkaTopic:      envOr("KAFKA_TOPIC", "auction-events"),
		HouseAddress:    os.Getenv("HOUSE_ADDRESS"),
		OwnerAddress:    os.Getenv("OWNER_ADDRESS"),
		ProtocolAddress: os.Getenv("PROTOCOL_ADDRESS"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.MinAuctionDuration, err = envUint("MIN_AUCTION_DURATION", 3600); err != nil {
		return Config{}, err
	}
	if cfg.SettlementGrace, err = envUint("SETTLEMENT_GRACE", 86400); err != nil {
		return Config{}, err
	}
	if cfg.ProtocolFeePercent, err = envUint("PROTOCOL_FEE_PERCENT", 1000); err != nil {
		return Config{}, err
	}
	if cfg.ReferrerFeePercent, err = envUint("REFERRER_FEE_PERCENT", 500); err != nil {
		return Config{}, err
	}
	if cfg.MaxCuratorFeePercent, err = envUint("MAX_CURATOR_FEE_PERCENT", 1000); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}
