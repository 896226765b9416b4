package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // metrics/health listener, ":7101"
	} `yaml:"http"`

	API struct {
		BaseURL             string        `yaml:"base_url"`
		Timeout             time.Duration `yaml:"timeout"`
		MaxConcurrent       int           `yaml:"max_concurrent"`
		MaxRateLimitRetries int           `yaml:"max_rate_limit_retries"`
		Language            string        `yaml:"language"`
	} `yaml:"api"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Sync struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sync"`

	Tracking struct {
		URL       string        `yaml:"url"`
		Heartbeat time.Duration `yaml:"heartbeat"`
		Reconnect struct {
			Base        time.Duration `yaml:"base"`
			MaxAttempts int           `yaml:"max_attempts"`
		} `yaml:"reconnect"`
	} `yaml:"tracking"`
}

// Load supports comma-separated config files: "-c common.yml,agent.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,agent.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7101"
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.MaxConcurrent <= 0 {
		c.API.MaxConcurrent = 5
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/cargolink"
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Tracking.Heartbeat <= 0 {
		c.Tracking.Heartbeat = 30 * time.Second
	}
	if c.Tracking.Reconnect.Base <= 0 {
		c.Tracking.Reconnect.Base = time.Second
	}
	if c.Tracking.Reconnect.MaxAttempts <= 0 {
		c.Tracking.Reconnect.MaxAttempts = 5
	}
	if c.API.BaseURL == "" {
		return nil, errors.New("api.base_url required")
	}
	if c.Tracking.URL == "" {
		return nil, errors.New("tracking.url required")
	}
	return &c, nil
}
