// Package clicfg loads the client configuration of the command-line tools.
package clicfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mna/clustercache"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables that override the
// configuration.
const EnvPrefix = "CLUSTERCACHE_"

// DefaultEnvFile is the env file read when Read is called without one. It
// is optional.
const DefaultEnvFile = ".env"

// Load is like Read and validates the resulting configuration.
func Load(path, envFile string) (clustercache.Config, error) {
	cfg, err := Read(path, envFile)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read returns the configuration built from the defaults, overridden by the
// YAML file at path if path is not empty, then by the CLUSTERCACHE_*
// variables of the environment or of envFile. Variables set in the process
// environment take precedence over those of envFile. If envFile is empty,
// DefaultEnvFile is read if it exists.
func Read(path, envFile string) (clustercache.Config, error) {
	cfg := clustercache.DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return cfg, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	err = applyEnv(&cfg, lookup)
	return cfg, err
}

func decodeYAML(b []byte, cfg *clustercache.Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readEnvFile(name string) (map[string]string, error) {
	optional := name == ""
	if optional {
		name = DefaultEnvFile
	}
	m, err := godotenv.Read(name)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return m, nil
}

// applyEnv overrides cfg with the variables found by lookup. All invalid
// values are reported.
func applyEnv(cfg *clustercache.Config, lookup func(string) (string, bool)) error {
	var errs []error
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	if v, ok := env("SEED_ADDRS"); ok {
		cfg.SeedAddrs = splitList(v)
	}
	if v, ok := env("CLIENT_NAME"); ok {
		cfg.ClientName = v
	}
	dur("OPERATION_TIMEOUT", &cfg.OperationTimeout)
	num("MAX_REDIRECTS", &cfg.MaxRedirects)
	boolean("REQUIRE_TOPOLOGY", &cfg.RequireTopology)

	num("POOL_MAX_TOTAL", &cfg.Pool.MaxTotal)
	num("POOL_MAX_IDLE", &cfg.Pool.MaxIdle)
	num("POOL_MIN_IDLE", &cfg.Pool.MinIdle)
	boolean("POOL_EAGER_MIN_IDLE", &cfg.Pool.EagerMinIdle)
	dur("POOL_IDLE_TIMEOUT", &cfg.Pool.IdleTimeout)
	dur("POOL_DIAL_TIMEOUT", &cfg.Pool.DialTimeout)
	dur("POOL_READ_TIMEOUT", &cfg.Pool.ReadTimeout)
	dur("POOL_WRITE_TIMEOUT", &cfg.Pool.WriteTimeout)

	dur("REFRESH_PERIODIC_INTERVAL", &cfg.Refresh.PeriodicInterval)
	dur("REFRESH_ADAPTIVE_DEBOUNCE", &cfg.Refresh.AdaptiveDebounce)
	dur("REFRESH_TIMEOUT", &cfg.Refresh.RefreshTimeout)
	if v, ok := env("REFRESH_ADAPTIVE_TRIGGERS"); ok {
		var reasons []clustercache.RefreshReason
		for _, s := range splitList(v) {
			var r clustercache.RefreshReason
			if err := r.UnmarshalText([]byte(s)); err != nil {
				errs = append(errs, fmt.Errorf("%sREFRESH_ADAPTIVE_TRIGGERS: %w", EnvPrefix, err))
				continue
			}
			reasons = append(reasons, r)
		}
		cfg.Refresh.AdaptiveTriggers = reasons
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
