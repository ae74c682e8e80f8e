package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ggpay/internal/account"
	"ggpay/internal/store"
)

type APIConfig struct {
	Addr            string
	LogLevel        string
	Store           store.Config
	BotToken        string
	InitDataMaxAge  time.Duration
	AdminKeyHash    string
	JWTSecret       string
	AdminTokenTTL   time.Duration
	SaveDebounce    time.Duration
	TickEvery       time.Duration
	FlushEvery      time.Duration
	SessionIdle     time.Duration
	TapsPerSecond   float64
	TapBurst        int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type WorkerConfig struct {
	LogLevel      string
	Store         store.Config
	Interval      time.Duration
	RunOnce       bool
	TransferGrace time.Duration
	CardIndexTTL  time.Duration
	// MetricsAddr is where /metrics is served; empty disables the listener.
	MetricsAddr string
}

type CLIConfig struct {
	APIBaseURL string
}

// LoadDotEnv reads .env files into the environment when they exist.
// Variables already set win over file values.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("GGPAY_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		LogLevel:        envDefault("GGPAY_LOG_LEVEL", "info"),
		Store:           loadStore(),
		BotToken:        strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		InitDataMaxAge:  envDurationDefault("GGPAY_INIT_DATA_MAX_AGE", 24*time.Hour),
		AdminKeyHash:    strings.TrimSpace(os.Getenv("GGPAY_ADMIN_KEY_HASH")),
		JWTSecret:       strings.TrimSpace(os.Getenv("GGPAY_JWT_SECRET")),
		AdminTokenTTL:   envDurationDefault("GGPAY_ADMIN_TOKEN_TTL", 12*time.Hour),
		SaveDebounce:    envDurationDefault("GGPAY_SAVE_DEBOUNCE", 500*time.Millisecond),
		TickEvery:       envDurationDefault("GGPAY_TICK_EVERY", time.Second),
		FlushEvery:      envDurationDefault("GGPAY_FLUSH_EVERY", 10*time.Second),
		SessionIdle:     envDurationDefault("GGPAY_SESSION_IDLE", 5*time.Minute),
		TapsPerSecond:   envFloatDefault("GGPAY_TAPS_PER_SECOND", 20),
		TapBurst:        envIntDefault("GGPAY_TAP_BURST", 40),
		RequestTimeout:  envDurationDefault("GGPAY_REQUEST_TIMEOUT", 20*time.Second),
		ShutdownTimeout: envDurationDefault("GGPAY_SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	if cfg.BotToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("GGPAY_JWT_SECRET is required")
	}
	if err := checkStore(cfg.Store); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		LogLevel:      envDefault("GGPAY_LOG_LEVEL", "info"),
		Store:         loadStore(),
		Interval:      envDurationDefault("GGPAY_WORKER_INTERVAL", 30*time.Second),
		RunOnce:       envBoolDefault("GGPAY_WORKER_RUN_ONCE", false),
		TransferGrace: envDurationDefault("GGPAY_TRANSFER_GRACE", time.Minute),
		CardIndexTTL:  envDurationDefault("GGPAY_CARD_INDEX_GRACE", 10*time.Minute),
		MetricsAddr:   envDefault("GGPAY_WORKER_METRICS_ADDR", ":9091"),
	}
	if strings.EqualFold(cfg.MetricsAddr, "off") {
		cfg.MetricsAddr = ""
	}
	if cfg.Store.Backend == store.BackendMemory {
		return cfg, fmt.Errorf("worker needs a shared store, set GGPAY_STORE to redis or postgres")
	}
	return cfg, checkStore(cfg.Store)
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("GGPAY_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func loadStore() store.Config {
	return store.Config{
		Backend:     strings.ToLower(envDefault("GGPAY_STORE", store.BackendMemory)),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisPrefix: envDefault("GGPAY_REDIS_PREFIX", "ggpay:"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MaxConns:    int32(envIntDefault("GGPAY_DB_MAX_CONNS", 10)),
		Indexes:     account.Indexes(),
	}
}

func checkStore(c store.Config) error {
	switch c.Backend {
	case store.BackendMemory:
	case store.BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	case store.BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown GGPAY_STORE %q", c.Backend)
	}
	return nil
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

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
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
