// Package config loads bridge configuration from a JWCC file (JSON with
// comments and trailing commas) with environment-variable defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

type Config struct {
	// WSURL is the control-plane WebSocket address (ws:// or wss://).
	WSURL string `json:"ws_url"`

	// DeviceID identifies this bridge instance in every envelope.
	DeviceID string `json:"device_id"`

	// EngineURL is the local automation engine endpoint
	// (unix:///path, tcp://host:port, or host:port).
	EngineURL string `json:"engine_url"`

	// Listens are conversations observed from startup.
	Listens []string `json:"listens"`

	// RedisAddr, when set, selects the redis-backed reply store.
	RedisAddr string `json:"redis_addr"`

	QueueSize           int `json:"queue_size"`
	ReplyTTLSeconds     int `json:"reply_ttl_seconds"`
	PingIntervalSeconds int `json:"ping_interval_seconds"`
	PongTimeoutSeconds  int `json:"pong_timeout_seconds"`
	ReconnectMinSeconds int `json:"reconnect_min_seconds"`
	ReconnectMaxSeconds int `json:"reconnect_max_seconds"`
}

func Default() Config {
	return Config{
		WSURL:               os.Getenv("WS_URL"),
		DeviceID:            os.Getenv("DEVICE_ID"),
		EngineURL:           os.Getenv("ENGINE_URL"),
		Listens:             ParseListens(os.Getenv("WS_LISTEN")),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		QueueSize:           256,
		ReplyTTLSeconds:     300,
		PingIntervalSeconds: 20,
		PongTimeoutSeconds:  10,
		ReconnectMinSeconds: 1,
		ReconnectMaxSeconds: 30,
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	standardized, err := hujson.Standardize(content)
	if err != nil {
		return Config{}, fmt.Errorf("standardize config failed: %w", err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = "wxrpa-unknown"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ReplyTTLSeconds <= 0 {
		cfg.ReplyTTLSeconds = 300
	}
	if cfg.PingIntervalSeconds <= 0 {
		cfg.PingIntervalSeconds = 20
	}
	if cfg.PongTimeoutSeconds <= 0 {
		cfg.PongTimeoutSeconds = 10
	}
	if cfg.ReconnectMinSeconds <= 0 {
		cfg.ReconnectMinSeconds = 1
	}
	if cfg.ReconnectMaxSeconds < cfg.ReconnectMinSeconds {
		cfg.ReconnectMaxSeconds = 30
	}

	return cfg, nil
}

func (c Config) ReplyTTL() time.Duration     { return time.Duration(c.ReplyTTLSeconds) * time.Second }
func (c Config) PingInterval() time.Duration { return time.Duration(c.PingIntervalSeconds) * time.Second }
func (c Config) PongTimeout() time.Duration  { return time.Duration(c.PongTimeoutSeconds) * time.Second }
func (c Config) ReconnectMin() time.Duration { return time.Duration(c.ReconnectMinSeconds) * time.Second }
func (c Config) ReconnectMax() time.Duration { return time.Duration(c.ReconnectMaxSeconds) * time.Second }

// ParseListens splits a comma-separated conversation list, dropping empty
// entries ("张三, 项目群" → ["张三", "项目群"]).
func ParseListens(s string) []string {
	if s == "" {
		return nil
	}
	var listens []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			listens = append(listens, item)
		}
	}
	return listens
}
