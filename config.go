package clustercache

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config is the configuration of a Client. Start from DefaultConfig and
// set at least SeedAddrs.
type Config struct {
	// SeedAddrs are the "host:port" addresses of the nodes queried to load
	// the topology when no node is known yet.
	SeedAddrs []string `yaml:"seed_addrs"`
	// ClientName is set on each connection with CLIENT SETNAME, to identify
	// the client on the server side.
	ClientName string `yaml:"client_name"`

	Pool    PoolConfig    `yaml:"pool"`
	Refresh RefreshConfig `yaml:"refresh"`

	// OperationTimeout applies to operations called with a context that has
	// no deadline. 0 means no timeout.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// MaxRedirects is the number of MOVED or ASK redirections an operation
	// follows before it fails with ErrRoutingExhausted.
	MaxRedirects int `yaml:"max_redirects"`
	// RequireTopology makes New fail if the initial topology load fails.
	// Otherwise the client is created and operations fail with
	// ErrUnavailable until a refresh succeeds.
	RequireTopology bool `yaml:"require_topology"`

	Logger         *zerolog.Logger       `yaml:"-"`
	Registerer     prometheus.Registerer `yaml:"-"`
	TracerProvider trace.TracerProvider  `yaml:"-"`
}

// DefaultConfig returns the recommended configuration, without seeds.
func DefaultConfig() Config {
	return Config{
		ClientName: "clustercache",
		Pool: PoolConfig{
			MaxIdle:      20,
			MinIdle:      10,
			MaxTotal:     100,
			IdleTimeout:  5 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Refresh: RefreshConfig{
			PeriodicInterval: 15 * time.Second,
			AdaptiveDebounce: 10 * time.Second,
			AdaptiveTriggers: []RefreshReason{ReasonMovedRedirect, ReasonPersistentReconnect},
			RefreshTimeout:   5 * time.Second,
		},
		OperationTimeout: 3 * time.Second,
		MaxRedirects:     1,
	}
}

// Validate returns an error wrapping ErrInvalidArgument and all the
// problems found in the configuration.
func (c Config) Validate() error {
	var errs []error
	if len(c.SeedAddrs) == 0 {
		errs = append(errs, errors.New("at least one seed address is required"))
	}
	if _, err := c.seeds(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Refresh.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.OperationTimeout < 0 {
		errs = append(errs, errors.New("operation timeout must be >= 0"))
	}
	if c.MaxRedirects < 0 {
		errs = append(errs, errors.New("max redirects must be >= 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func (c Config) seeds() ([]Endpoint, error) {
	var errs []error
	eps := make([]Endpoint, 0, len(c.SeedAddrs))
	for _, addr := range c.SeedAddrs {
		ep, err := ParseEndpoint(addr, RolePrimary)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		eps = append(eps, ep)
	}
	return eps, errors.Join(errs...)
}
