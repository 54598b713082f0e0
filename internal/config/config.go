package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string
	ChatBaseURL string

	GracePeriod   time.Duration
	RecentRoomTTL time.Duration
	SweepInterval time.Duration

	MsgOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:    ":8080",
		GracePeriod:   15 * time.Second,
		RecentRoomTTL: 15 * time.Second,
		SweepInterval: 10 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("ARCADE_ADDR")); v != "" {
		cfg.ListenAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ChatBaseURL = strings.TrimSpace(os.Getenv("CHAT_BASE_URL"))
	cfg.MsgOverrideDir = strings.TrimSpace(os.Getenv("MSG_OVERRIDE_DIR"))

	if v := strings.TrimSpace(os.Getenv("GRACE_PERIOD")); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			cfg.GracePeriod = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECENT_ROOM_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			cfg.RecentRoomTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("SWEEP_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}
