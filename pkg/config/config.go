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

// Package config resolves the simulator's settings from environment
// variables. Settings are read once at startup and never change afterwards.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvConnectionString = "iot_connection_string"
	EnvTempMax          = "iot_temp_max"
	EnvTempMin          = "iot_temp_min"
	EnvSendInterval     = "send_interval"
	EnvMaxSendErrors    = "max_send_errors"
	EnvTransport        = "iot_transport"
	EnvBrokerURL        = "iot_broker_url"
	EnvAckTimeout       = "iot_ack_timeout"
	EnvConnectTimeout   = "iot_connect_timeout"
	EnvTokenTTL         = "iot_token_ttl"
	EnvCAFile           = "iot_ca_file"
	EnvCertFile         = "iot_cert_file"
	EnvKeyFile          = "iot_key_file"
	EnvMetricsAddr      = "metrics_addr"
)

// ErrMissingConnectionString is returned when iot_connection_string is unset
// or empty.
var ErrMissingConnectionString = errors.New("required environment variable '" + EnvConnectionString + "' is not set")

// Config holds the complete configuration
type Config struct {
	ConnectionString string
	// TempMin and TempMax are kept as supplied; consumers must not assume
	// TempMin <= TempMax.
	TempMin       float64
	TempMax       float64
	SendInterval  time.Duration
	MaxSendErrors int

	Transport      string
	BrokerURL      string
	AckTimeout     time.Duration
	ConnectTimeout time.Duration
	TokenTTL       time.Duration
	CAFile         string
	CertFile       string
	KeyFile        string
	MetricsAddr    string
}

// DefaultConfig returns a default configuration. The connection string has
// no default.
func DefaultConfig() *Config {
	return &Config{
		TempMax:        90,
		TempMin:        95,
		SendInterval:   10 * time.Second,
		MaxSendErrors:  100,
		Transport:      "mqtt",
		AckTimeout:     30 * time.Second,
		ConnectTimeout: 30 * time.Second,
		TokenTTL:       time.Hour,
	}
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnvironment loads the configuration from the process environment.
func FromEnvironment() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a configuration from lookup, applying defaults for unset
// variables.
func Load(lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()
	l := loader{lookup: lookup}

	cfg.ConnectionString = l.string(EnvConnectionString, "")
	cfg.TempMax = l.float(EnvTempMax, cfg.TempMax)
	cfg.TempMin = l.float(EnvTempMin, cfg.TempMin)
	cfg.SendInterval = l.seconds(EnvSendInterval, cfg.SendInterval)
	cfg.MaxSendErrors = l.int(EnvMaxSendErrors, cfg.MaxSendErrors)
	cfg.Transport = l.string(EnvTransport, cfg.Transport)
	cfg.BrokerURL = l.string(EnvBrokerURL, cfg.BrokerURL)
	cfg.AckTimeout = l.seconds(EnvAckTimeout, cfg.AckTimeout)
	cfg.ConnectTimeout = l.seconds(EnvConnectTimeout, cfg.ConnectTimeout)
	cfg.TokenTTL = l.seconds(EnvTokenTTL, cfg.TokenTTL)
	cfg.CAFile = l.string(EnvCAFile, "")
	cfg.CertFile = l.string(EnvCertFile, "")
	cfg.KeyFile = l.string(EnvKeyFile, "")
	cfg.MetricsAddr = l.string(EnvMetricsAddr, "")

	if l.err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", l.err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.ConnectionString == "" {
		return ErrMissingConnectionString
	}
	if cfg.MaxSendErrors < 0 {
		return fmt.Errorf("invalid configuration: %s cannot be negative", EnvMaxSendErrors)
	}
	if cfg.AckTimeout <= 0 {
		return fmt.Errorf("invalid configuration: %s must be positive", EnvAckTimeout)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid configuration: %s must be positive", EnvConnectTimeout)
	}
	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("invalid configuration: %s must be positive", EnvTokenTTL)
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("invalid configuration: %s and %s must be set together", EnvCertFile, EnvKeyFile)
	}
	return nil
}

// loader records the first parse error so Load can report it once.
type loader struct {
	lookup LookupFunc
	err    error
}

func (l *loader) raw(key string) (string, bool) {
	v, ok := l.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("%s=%q: %w", key, value, err)
	}
}

func (l *loader) string(key, def string) string {
	if v, ok := l.raw(key); ok {
		return v
	}
	return def
}

func (l *loader) float(key string, def float64) float64 {
	v, ok := l.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		err = errors.New("not a finite number")
	}
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return f
}

func (l *loader) int(key string, def int) int {
	v, ok := l.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return n
}

// seconds parses a non-negative number of seconds; fractions are allowed.
func (l *loader) seconds(key string, def time.Duration) time.Duration {
	v, ok := l.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err == nil && (f < 0 || math.IsNaN(f) || math.IsInf(f, 0)) {
		err = errors.New("must be a non-negative number of seconds")
	}
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return time.Duration(f * float64(time.Second))
}
