package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BackendURL          string
	RedisAddr           string
	APIAddr             string
	AuthSecret          string
	UserID              string
	PollInterval        time.Duration
	BalancePollInterval time.Duration
	AcceptTimeout       time.Duration
}

func Load() (*Config, error) {
	backendURL := os.Getenv("BACKEND_URL")
	if backendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL environment variable is required")
	}

	userID := os.Getenv("USER_ID")
	if userID == "" {
		return nil, fmt.Errorf("USER_ID environment variable is required")
	}

	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("AUTH_SECRET environment variable is required")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	apiAddr := os.Getenv("API_ADDR")
	if apiAddr == "" {
		apiAddr = ":8080"
	}

	return &Config{
		BackendURL:          backendURL,
		RedisAddr:           redisAddr,
		APIAddr:             apiAddr,
		AuthSecret:          secret,
		UserID:              userID,
		PollInterval:        durationEnv("POLL_INTERVAL", 5*time.Second),
		BalancePollInterval: durationEnv("BALANCE_POLL_INTERVAL", 10*time.Second),
		AcceptTimeout:       durationEnv("ACCEPT_TIMEOUT_DEFAULT", 60*time.Second),
	}, nil
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
