package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/poolrep/internal/daemon"
	"github.com/danmuck/poolrep/internal/protocol/transport"
	"github.com/danmuck/poolrep/internal/registry"
)

// Transport converts the file form into transport policy. Unset fields keep
// transport defaults.
func (c TransportConfig) Transport() (transport.Config, error) {
	out := transport.DefaultConfig()
	if mode := strings.TrimSpace(c.SecurityMode); mode != "" {
		out.SecurityMode = transport.SecurityMode(strings.ToLower(mode))
	}
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"transport.connect_timeout", c.ConnectTimeout, &out.ConnectTimeout},
		{"transport.handshake_timeout", c.HandshakeTimeout, &out.HandshakeTimeout},
		{"transport.read_timeout", c.ReadTimeout, &out.ReadTimeout},
		{"transport.write_timeout", c.WriteTimeout, &out.WriteTimeout},
		{"transport.ack_timeout", c.AckTimeout, &out.AckTimeout},
		{"transport.backoff.initial_delay", c.Backoff.InitialDelay, &out.Backoff.InitialDelay},
		{"transport.backoff.max_delay", c.Backoff.MaxDelay, &out.Backoff.MaxDelay},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.raw)
		if err != nil {
			return transport.Config{}, err
		}
		if v > 0 {
			*d.dst = v
		}
	}
	payload, err := ParseSize(c.MaxPayload)
	if err != nil {
		return transport.Config{}, fmt.Errorf("transport.max_payload: %w", err)
	}
	if payload > 0 {
		if payload <= transport.MaxChunk {
			return transport.Config{}, fmt.Errorf("transport.max_payload %s must exceed the %s chunk", FormatSize(payload), FormatSize(transport.MaxChunk))
		}
		out.MaxPayloadBytes = payload
	}
	if c.Backoff.Multiplier != 0 {
		out.Backoff.Multiplier = c.Backoff.Multiplier
	}
	if c.Backoff.Jitter != nil {
		out.Backoff.Jitter = *c.Backoff.Jitter
	}
	if c.Backoff.MaxAttempts != 0 {
		out.Backoff.MaxAttempts = c.Backoff.MaxAttempts
	}
	out.TLS = transport.TLSConfig{
		Enabled:            c.TLS.Enabled,
		Mutual:             c.TLS.Mutual,
		CAFile:             strings.TrimSpace(c.TLS.CAFile),
		CertFile:           strings.TrimSpace(c.TLS.CertFile),
		KeyFile:            strings.TrimSpace(c.TLS.KeyFile),
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if err := out.ValidateServerTransport(); err != nil {
		return transport.Config{}, err
	}
	return out.WithDefaults(), nil
}

// Daemon converts the file form into the daemon's runtime config.
func (c DaemonConfig) Daemon() (daemon.Config, error) {
	tcfg, err := c.Transport.Transport()
	if err != nil {
		return daemon.Config{}, err
	}
	return daemon.Config{
		NodeID:      strings.TrimSpace(c.NodeID),
		ListenAddr:  strings.TrimSpace(c.Listen),
		AdminAddr:   strings.TrimSpace(c.Admin),
		MaxLanes:    c.MaxLanes,
		CORSOrigins: c.CorsOrigins,
		Transport:   tcfg,
	}, nil
}

// OpenRegistry builds the registry the storage section describes.
func (c StorageConfig) OpenRegistry() (*registry.Registry, error) {
	if dir := strings.TrimSpace(c.Dir); dir != "" {
		backend, err := registry.NewFileBackend(dir)
		if err != nil {
			return nil, err
		}
		return registry.New(backend), nil
	}
	capacity, err := ParseSize(c.Capacity)
	if err != nil {
		return nil, fmt.Errorf("storage.capacity: %w", err)
	}
	return registry.NewMemory(capacity), nil
}
