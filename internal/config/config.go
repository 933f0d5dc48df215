package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	SQLitePath              string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	OverviewCacheTTLSeconds int
	AuthSecret              string
	AuthIssuer              string
	BillRateLimitPerMinute  int
	LogLevel                string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:              strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:               strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		OverviewCacheTTLSeconds: positiveInt("OVERVIEW_CACHE_TTL_SECONDS", 60),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AuthIssuer:              strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
		BillRateLimitPerMinute:  positiveInt("BILL_RATE_LIMIT_PER_MINUTE", 60),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) OverviewCacheTTL() time.Duration {
	return time.Duration(c.OverviewCacheTTLSeconds) * time.Second
}

func positiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
