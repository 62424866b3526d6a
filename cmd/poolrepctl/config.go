package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/protocol/transport"
)

// poolrepctl.toml key mapping.
type fileConfig struct {
	Address      string        `toml:"address"`
	Admin        string        `toml:"admin"`
	Lanes        int           `toml:"lanes"`
	AckTimeout   string        `toml:"ack_timeout"`
	SecurityMode string        `toml:"security_mode"`
	MaxAttempts  int           `toml:"max_connect_attempts"`
	TLS          fileTLSConfig `toml:"tls"`
}

type fileTLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// profile is the resolved client configuration.
type profile struct {
	Address   string
	Admin     string
	Lanes     int
	Lane      lane.Config
	Transport transport.Config
}

func defaultProfile() profile {
	return profile{
		Address:   "127.0.0.1:7400",
		Admin:     "http://127.0.0.1:7480",
		Lanes:     4,
		Lane:      lane.DefaultConfig(),
		Transport: transport.DefaultConfig(),
	}
}

// loadProfile overlays path onto the defaults. A missing file keeps them.
func loadProfile(path string) (profile, error) {
	cfg := defaultProfile()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return profile{}, fmt.Errorf("load poolrepctl config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("admin") {
		cfg.Admin = strings.TrimRight(strings.TrimSpace(raw.Admin), "/")
	}
	if meta.IsDefined("lanes") {
		if raw.Lanes <= 0 {
			return profile{}, fmt.Errorf("lanes must be positive, got %d", raw.Lanes)
		}
		cfg.Lanes = raw.Lanes
	}
	if meta.IsDefined("ack_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.AckTimeout))
		if err != nil {
			return profile{}, fmt.Errorf("parse ack_timeout: %w", err)
		}
		cfg.Lane.AckTimeout = d
		cfg.Transport.AckTimeout = d
	}
	if meta.IsDefined("security_mode") {
		cfg.Transport.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Transport.Backoff.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("tls", "enabled") {
		cfg.Transport.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.Transport.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.Transport.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.Transport.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.Transport.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Transport.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Transport.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	cfg.Transport = cfg.Transport.WithDefaults()
	if err := cfg.Transport.ValidateClientTransport(); err != nil {
		return profile{}, err
	}
	return cfg, nil
}
