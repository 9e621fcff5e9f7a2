// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package proxykit provides environment-driven configuration for the
// WebSocket forwarding proxy.
package proxykit

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime configuration for a single proxy listener.
// Values are read from the environment using the prefix supplied in
// env.Options (e.g. PROXYKIT_).
type Config struct {
	// Host and Port define the listen address.
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:""`

	// TargetURL is the upstream base URI (ws:// or wss://).
	TargetURL string `env:"TARGET_URL"`

	// PathPrefix, when set, switches the proxy to path-based routing:
	// only requests under the prefix are forwarded, with the remaining
	// suffix rewritten onto the target URL.
	PathPrefix string `env:"PATH_PREFIX"`

	// BufferSize is the per-direction relay buffer in bytes.
	BufferSize int `env:"BUFFER_SIZE" envDefault:"4096"`

	// KeepAlive, when positive, pings the upstream connection at this
	// interval.
	KeepAlive time.Duration `env:"KEEP_ALIVE"`

	// ShutdownTimeout bounds graceful shutdown of the listener.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// TLS material for the listener. Both must be set to enable TLS.
	CertFile string `env:"CERT_FILE"`
	KeyFile  string `env:"KEY_FILE"`

	// ClientCAFile enables mTLS when set.
	ClientCAFile string `env:"CLIENT_CA_FILE"`

	// TLSConfig is built from the fields above by NewConfig.
	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses configuration from the environment and loads TLS
// material if configured. It fails fast on a non-positive buffer size
// so that an invalid relay configuration never reaches the network.
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}

	if cfg.BufferSize <= 0 {
		return Config{}, fmt.Errorf("buffer size must be positive, got %d", cfg.BufferSize)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsCfg, err := loadTLS(cfg.CertFile, cfg.KeyFile, cfg.ClientCAFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load TLS config: %w", err)
		}
		cfg.TLSConfig = tlsCfg
	}

	return cfg, nil
}

func loadTLS(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAFile != "" {
		ca, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates parsed from %s", clientCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}
