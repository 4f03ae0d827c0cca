package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type ExchangeConfig struct {
	MaxTxAttempts   int
	TxRetryDelay    time.Duration
	PublishDebounce time.Duration
	BulkChunkSize   int
}

type APIConfig struct {
	Addr             string
	Store            string
	DatabaseURL      string
	SupabaseURL      string
	SupabaseAnonKey  string
	SeedCatalog      bool
	CatalogFile      string
	BootstrapAdmins  []string
	RateLimitRPS     float64
	RateLimitBurst   int
	DiscordBotToken  string
	DiscordChannelID string
	Exchange         ExchangeConfig
}

type WorkerConfig struct {
	DatabaseURL          string
	RevalueSchedule      string
	RankSnapshotSchedule string
	RunOnce              bool
	Exchange             ExchangeConfig
}

type CLIConfig struct {
	APIBaseURL string
}

// LoadDotEnv loads a .env file from the working directory when one exists.
// Variables already present in the environment win.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("PHI_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:             addr,
		Store:            strings.ToLower(envDefault("PHI_STORE", StorePostgres)),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SupabaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey:  strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		SeedCatalog:      envBoolDefault("PHI_SEED_CATALOG", true),
		CatalogFile:      strings.TrimSpace(os.Getenv("PHI_CATALOG_FILE")),
		BootstrapAdmins:  envList("PHI_BOOTSTRAP_ADMINS"),
		RateLimitRPS:     envFloatDefault("PHI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:   envIntDefault("PHI_RATE_LIMIT_BURST", 20),
		DiscordBotToken:  strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordChannelID: strings.TrimSpace(os.Getenv("DISCORD_CHANNEL_ID")),
		Exchange:         loadExchange(),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("PHI_STORE must be %q or %q", StorePostgres, StoreMemory)
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if (cfg.DiscordBotToken == "") != (cfg.DiscordChannelID == "") {
		return cfg, fmt.Errorf("DISCORD_BOT_TOKEN and DISCORD_CHANNEL_ID must be set together")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RevalueSchedule:      envDefault("PHI_REVALUE_SCHEDULE", "@every 1m"),
		RankSnapshotSchedule: envDefault("PHI_RANK_SNAPSHOT_SCHEDULE", "0 0 * * *"),
		RunOnce:              envBoolDefault("PHI_WORKER_RUN_ONCE", false),
		Exchange:             loadExchange(),
	}
	// An explicitly empty value switches the snapshot job off.
	if v, ok := os.LookupEnv("PHI_RANK_SNAPSHOT_SCHEDULE"); ok && strings.TrimSpace(v) == "" {
		cfg.RankSnapshotSchedule = ""
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("PHX_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func loadExchange() ExchangeConfig {
	return ExchangeConfig{
		MaxTxAttempts:   envIntDefault("PHI_MAX_TX_ATTEMPTS", 5),
		TxRetryDelay:    envDurationDefault("PHI_TX_RETRY_DELAY", 50*time.Millisecond),
		PublishDebounce: envDurationDefault("PHI_PUBLISH_DEBOUNCE", 2*time.Second),
		BulkChunkSize:   envIntDefault("PHI_BULK_CHUNK_SIZE", 400),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
