// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for pushgate: the
// gateway node, its store and the logger.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/pushgate/pkg/mutation"
	"github.com/turtacn/pushgate/pkg/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// GatewayConfig holds the node settings.
type GatewayConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	Namespace   string `yaml:"namespace" json:"namespace"`
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	WSPath      string `yaml:"ws_path" json:"ws_path"`
	AdminAddr   string `yaml:"admin_addr" json:"admin_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// Separator splits tag lists in room change requests.
	Separator       string        `yaml:"separator" json:"separator"`
	ConfirmDelay    time.Duration `yaml:"confirm_delay" json:"confirm_delay"`
	ServerTimestamp bool          `yaml:"server_timestamp" json:"server_timestamp"`
	Mutation        string        `yaml:"mutation" json:"mutation"`
	MailboxSize     int           `yaml:"mailbox_size" json:"mailbox_size"`
}

// StoreConfig selects and tunes the presence store and control bus backend.
type StoreConfig struct {
	Driver       string              `yaml:"driver" json:"driver"`
	Redis        storage.RedisConfig `yaml:"redis" json:"redis"`
	KeyPrefix    string              `yaml:"key_prefix" json:"key_prefix"`
	DeliveredTTL time.Duration       `yaml:"delivered_ttl" json:"delivered_ttl"`
	BusChannel   string              `yaml:"bus_channel" json:"bus_channel"`
	Timeout      time.Duration       `yaml:"timeout" json:"timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// Config holds the complete configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DefaultNodeID returns the host name with a random suffix.
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pushgate"
	}
	return host + "-" + uuid.NewString()[:8]
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			NodeID:       DefaultNodeID(),
			Namespace:    "/",
			ListenAddr:   ":3000",
			WSPath:       "/ws",
			AdminAddr:    ":3001",
			MetricsAddr:  ":9100",
			Separator:    ",",
			ConfirmDelay: 3 * time.Second,
			Mutation:     mutation.StrategyTextual,
			MailboxSize:  64,
		},
		Store: StoreConfig{
			Driver:       DriverMemory,
			Redis:        storage.DefaultRedisConfig(),
			KeyPrefix:    "pushgate:",
			DeliveredTTL: 24 * time.Hour,
			BusChannel:   "bus",
			Timeout:      5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a file. Values missing from the file
// keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateConfig(config *Config) error {
	g := config.Gateway
	if g.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if g.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if g.Namespace == "" || !strings.HasPrefix(g.Namespace, "/") {
		return fmt.Errorf("namespace must start with /: %q", g.Namespace)
	}
	if g.Separator == "" {
		return fmt.Errorf("separator cannot be empty")
	}
	if g.ConfirmDelay <= 0 {
		return fmt.Errorf("confirm_delay must be positive")
	}
	if g.MailboxSize < 0 {
		return fmt.Errorf("mailbox_size cannot be negative")
	}
	switch g.Mutation {
	case mutation.StrategyTextual, mutation.StrategyStructural:
	default:
		return fmt.Errorf("unsupported mutation strategy: %s (supported: textual, structural)", g.Mutation)
	}

	s := config.Store
	switch s.Driver {
	case DriverMemory:
	case DriverRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s (supported: memory, redis)", s.Driver)
	}
	if s.BusChannel == "" {
		return fmt.Errorf("bus_channel cannot be empty")
	}
	if s.DeliveredTTL <= 0 {
		return fmt.Errorf("delivered_ttl must be positive")
	}

	if _, err := zapcore.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("log level: %v", err)
	}
	return nil
}

// NewLogger builds the zap logger described by the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// MutationOptions returns the packet mutation settings.
func (c *Config) MutationOptions() mutation.Options {
	return mutation.Options{ServerTimestamp: c.Gateway.ServerTimestamp}
}
