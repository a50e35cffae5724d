package main

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the env-derived configuration for the demo server, in the
// struct-tag style used throughout dmitrymomot/foundation's app configs.
type Config struct {
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`

	JobCapacity int64         `env:"JOB_CAPACITY" envDefault:"5"`
	JobMaxSleep time.Duration `env:"JOB_MAX_SLEEP" envDefault:"0"`

	PingRate     int64         `env:"PING_RATE" envDefault:"5"`
	PingBurst    int64         `env:"PING_BURST" envDefault:"10"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"1s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
