package capsule

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Path string `json:"path"`

	MaxOpenConns int `json:"max_open_conns"`
	MaxIdleConns int `json:"max_idle_conns"`

	BusyTimeout       time.Duration `json:"-"`
	BusyTimeoutString string        `json:"busy_timeout"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.Path) != "" {
		result.Path = strings.TrimSpace(override.Path)
	}
	if override.MaxOpenConns > 0 {
		result.MaxOpenConns = override.MaxOpenConns
	}
	if override.MaxIdleConns > 0 {
		result.MaxIdleConns = override.MaxIdleConns
	}
	if override.BusyTimeout > 0 {
		result.BusyTimeout = override.BusyTimeout
	}
	if strings.TrimSpace(override.BusyTimeoutString) != "" {
		result.BusyTimeoutString = strings.TrimSpace(override.BusyTimeoutString)
	}
	return result
}

func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("GLYPHCASE_CAPSULE_CONFIG_FILE")); path != "" {
		fileCfg, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg, err := loadConfigEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Merge(envCfg)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BusyTimeout <= 0 {
		if trimmed := strings.TrimSpace(c.BusyTimeoutString); trimmed != "" {
			if dur, err := time.ParseDuration(trimmed); err == nil {
				c.BusyTimeout = dur
			}
		}
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 1
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 1
	}
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read capsule config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse capsule config file: %w", err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{Path: strings.TrimSpace(os.Getenv("GLYPHCASE_CAPSULE_PATH"))}
	if raw := strings.TrimSpace(os.Getenv("GLYPHCASE_CAPSULE_BUSY_TIMEOUT")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLYPHCASE_CAPSULE_BUSY_TIMEOUT: %w", err)
		}
		cfg.BusyTimeout = dur
	}
	if raw := strings.TrimSpace(os.Getenv("GLYPHCASE_CAPSULE_MAX_OPEN_CONNS")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLYPHCASE_CAPSULE_MAX_OPEN_CONNS: %w", err)
		}
		cfg.MaxOpenConns = val
	}
	if raw := strings.TrimSpace(os.Getenv("GLYPHCASE_CAPSULE_MAX_IDLE_CONNS")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLYPHCASE_CAPSULE_MAX_IDLE_CONNS: %w", err)
		}
		cfg.MaxIdleConns = val
	}
	return cfg, nil
}
