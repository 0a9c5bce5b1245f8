package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type AppConfig struct {
	BotToken string

	DatabaseURL string
	RedisURL    string

	// MessageDir points to an optional directory of YAML files overriding the
	// embedded message catalog.
	MessageDir string

	RatingDefault     float64
	RatingScaleFactor float64
	RatingBaseGain    float64
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		RatingDefault:     1000,
		RatingScaleFactor: 0.05,
		RatingBaseGain:    10,
	}

	cfg.BotToken = strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.MessageDir = strings.TrimSpace(os.Getenv("MESSAGE_DIR"))

	if v := strings.TrimSpace(os.Getenv("RATING_DEFAULT")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RatingDefault = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATING_SCALE_FACTOR")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RatingScaleFactor = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATING_BASE_GAIN")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RatingBaseGain = f
		}
	}

	if cfg.BotToken == "" {
		return nil, errors.New("BOT_TOKEN is required")
	}

	return cfg, nil
}
