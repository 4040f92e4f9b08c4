package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	Timezone       string
	BreakTypesFile string

	ScanInterval    time.Duration
	RealertEnabled  bool
	RealertInterval time.Duration
	DegradedAfter   int

	RateLimitPerMinute int
	RateLimitBurst     int

	DashboardUser         string
	DashboardPasswordHash string
	SessionTTL            time.Duration
	BotAPIToken           string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	timezone := os.Getenv("TIMEZONE")
	if timezone == "" {
		timezone = "Asia/Manila"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "data/breaktime.db"
	}

	return Config{
		Port:        port,
		StoreDriver: driver,
		DatabaseURL: os.Getenv("DB_DSN"),
		SQLitePath:  sqlitePath,

		Timezone:       timezone,
		BreakTypesFile: os.Getenv("BREAK_TYPES_FILE"),

		ScanInterval:    readDurationSeconds("SCAN_INTERVAL_SECONDS", 60),
		RealertEnabled:  readBool("REALERT_ENABLED", false),
		RealertInterval: readDurationSeconds("REALERT_INTERVAL_SECONDS", 300),
		DegradedAfter:   readInt("DEGRADED_AFTER_TICKS", 5),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),

		DashboardUser:         os.Getenv("DASHBOARD_USER"),
		DashboardPasswordHash: os.Getenv("DASHBOARD_PASSWORD_HASH"),
		SessionTTL:            readDurationMinutes("SESSION_TTL_MINUTES", 480),
		BotAPIToken:           os.Getenv("BOT_API_TOKEN"),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
