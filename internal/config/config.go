package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once at boot. All credentials MUST come from environment
// variables; non-secret settings have safe defaults. Use a .env file for
// local development.
type Config struct {
	Port           string
	AllowedOrigins string

	DatabaseURL string
	RedisAddr   string
	RedisPass   string
	NATSURL     string

	EmbeddingURL   string
	EmbeddingKey   string
	EmbeddingModel string
	EmbeddingConc  int

	// Discovery ranking weights (similarity, trust, usefulness).
	WeightSim   float64
	WeightTrust float64
	WeightUse   float64

	// Rate limiting.
	RateLimitPerMin int
	RateWindow      time.Duration

	// Anti-fraud.
	ReplayWindow     time.Duration
	DedupeWindow     time.Duration
	GreylistRetrySec int
	PostageCredits   int64

	// Routing.
	BroadcastFanout int

	// Settlement.
	PoolDID   string
	BrokerDID string

	// Committee defaults for task receipts.
	CommitteeK int
	CommitteeM int

	Flags FeatureFlags
}

// FeatureFlags gate whole route groups; a disabled flag returns 503.
type FeatureFlags struct {
	Messaging      bool
	Negotiation    bool
	CreditLedger   bool
	Usefulness     bool
	Payments       bool
	Web4Discovery  bool
	GreylistBypass bool
}

// Load reads the full configuration from the environment.
func Load() Config {
	return Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),

		DatabaseURL: RequireEnv("DATABASE_URL"),
		RedisAddr:   getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPass:   os.Getenv("REDIS_PASSWORD"),
		NATSURL:     getEnvOrDefault("NATS_URL", "nats://localhost:4222"),

		EmbeddingURL:   getEnvOrDefault("EMBEDDING_API_URL", "https://api.openai.com/v1/embeddings"),
		EmbeddingKey:   os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingModel: getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingConc:  envInt("EMBEDDING_CONCURRENCY", 32),

		WeightSim:   envFloat("DISCOVERY_W_SIM", 0.6),
		WeightTrust: envFloat("DISCOVERY_W_TRUST", 0.3),
		WeightUse:   envFloat("DISCOVERY_W_USE", 0.1),

		RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 100),
		RateWindow:      time.Minute,

		ReplayWindow:     time.Duration(envInt("REPLAY_WINDOW_SEC", 300)) * time.Second,
		DedupeWindow:     time.Duration(envInt("DEDUPE_WINDOW_SEC", 3600)) * time.Second,
		GreylistRetrySec: envInt("GREYLIST_RETRY_SEC", 60),
		PostageCredits:   int64(envInt("POSTAGE_CREDITS", 100)),

		BroadcastFanout: envInt("BROADCAST_FANOUT", 5),

		PoolDID:   getEnvOrDefault("INCENTIVE_POOL_DID", "did:key:ainp-incentive-pool"),
		BrokerDID: getEnvOrDefault("BROKER_DID", "did:key:ainp-broker"),

		CommitteeK: envInt("COMMITTEE_K", 3),
		CommitteeM: envInt("COMMITTEE_M", 5),

		Flags: FeatureFlags{
			Messaging:      envBool("MESSAGING_ENABLED", true),
			Negotiation:    envBool("NEGOTIATION_ENABLED", true),
			CreditLedger:   envBool("CREDIT_LEDGER_ENABLED", true),
			Usefulness:     envBool("USEFULNESS_AGGREGATION_ENABLED", true),
			Payments:       envBool("PAYMENTS_ENABLED", false),
			Web4Discovery:  envBool("WEB4_POU_DISCOVERY_ENABLED", true),
			GreylistBypass: envBool("GREYLIST_BYPASS_PAYMENT_ENABLED", true),
		},
	}
}

// RequireEnv reads a required environment variable and exits if it is not
// set. This prevents the binary from starting with missing critical
// configuration.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret
// settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("Warning: %s=%q is not an integer, using %d", key, val, fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("Warning: %s=%q is not a number, using %g", key, val, fallback)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
