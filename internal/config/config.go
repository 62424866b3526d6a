package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pelletier/go-toml/v2"
)

// DaemonConfig is the on-disk shape of poolrepd.toml.
type DaemonConfig struct {
	NodeID      string          `toml:"node_id"`
	Listen      string          `toml:"listen"`
	Admin       string          `toml:"admin"`
	MaxLanes    int             `toml:"max_lanes"`
	CorsOrigins []string        `toml:"cors_origins"`
	Storage     StorageConfig   `toml:"storage"`
	Transport   TransportConfig `toml:"transport"`
}

// StorageConfig selects the registry backend. An empty Dir keeps pools in
// memory, bounded by Capacity.
type StorageConfig struct {
	Dir      string `toml:"dir"`
	Capacity string `toml:"capacity"`
}

type TransportConfig struct {
	SecurityMode     string        `toml:"security_mode"`
	ConnectTimeout   string        `toml:"connect_timeout"`
	HandshakeTimeout string        `toml:"handshake_timeout"`
	ReadTimeout      string        `toml:"read_timeout"`
	WriteTimeout     string        `toml:"write_timeout"`
	AckTimeout       string        `toml:"ack_timeout"`
	MaxPayload       string        `toml:"max_payload"`
	TLS              TLSConfig     `toml:"tls"`
	Backoff          BackoffConfig `toml:"backoff"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type BackoffConfig struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       *bool   `toml:"jitter"`
	MaxAttempts  int     `toml:"max_attempts"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	return finishDaemonConfig(cfg)
}

// ParseDaemonConfig decodes poolrepd.toml content already in memory.
func ParseDaemonConfig(data []byte) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return DaemonConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	return finishDaemonConfig(cfg)
}

func finishDaemonConfig(cfg DaemonConfig) (DaemonConfig, error) {
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = "poolrepd"
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = ":7400"
	}
	if cfg.MaxLanes == 0 {
		cfg.MaxLanes = 16
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("daemon config missing node_id")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("daemon config missing listen")
	}
	if cfg.MaxLanes < 0 {
		return fmt.Errorf("daemon config max_lanes must be positive, got %d", cfg.MaxLanes)
	}
	if strings.TrimSpace(cfg.Storage.Dir) != "" && strings.TrimSpace(cfg.Storage.Capacity) != "" {
		return fmt.Errorf("storage.capacity applies to the memory backend only")
	}
	if _, err := ParseSize(cfg.Storage.Capacity); err != nil {
		return fmt.Errorf("storage.capacity: %w", err)
	}
	if _, err := cfg.Transport.Transport(); err != nil {
		return err
	}
	return nil
}

// ParseSize accepts plain byte counts or human sizes such as "8M" and "1GiB".
// An empty string is zero.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// FormatSize renders n the way ParseSize reads it back.
func FormatSize(n uint64) string {
	return bytefmt.ByteSize(n)
}

func parseDuration(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", field, s)
	}
	return d, nil
}
