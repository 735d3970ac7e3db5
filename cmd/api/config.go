package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"empathyledger.org/internal/revocation"
)

type config struct {
	Addr        string
	PostgresDSN string

	WithdrawalDeadline  time.Duration
	ModerationDeadline  time.Duration
	WebhookTimeout      time.Duration
	ExpirySweepInterval time.Duration

	RateBurst     int
	RatePerSecond int
}

func loadConfig() config {
	defaults := revocation.DefaultConfig()
	return config{
		Addr:                envString("EMPATHY_ADDR", ":8080"),
		PostgresDSN:         os.Getenv("EMPATHY_PG_DSN"),
		WithdrawalDeadline:  envDuration("EMPATHY_WITHDRAWAL_DEADLINE", defaults.WithdrawalDeadline),
		ModerationDeadline:  envDuration("EMPATHY_MODERATION_DEADLINE", defaults.ModerationDeadline),
		WebhookTimeout:      envDuration("EMPATHY_WEBHOOK_TIMEOUT", 10*time.Second),
		ExpirySweepInterval: envDuration("EMPATHY_EXPIRY_SWEEP", time.Minute),
		RateBurst:           envInt("EMPATHY_RATE_BURST", 50),
		RatePerSecond:       envInt("EMPATHY_RATE_PER_SEC", 25),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Fatalf("%s: invalid duration %q", key, raw)
	}
	return d
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Fatalf("%s: invalid integer %q", key, raw)
	}
	return n
}
