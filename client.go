package clustercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoExpiry is the TTL of a value that never expires.
const NoExpiry time.Duration = 0

const tracerName = "github.com/mna/clustercache"

// Cache is the key-value interface of the Client.
type Cache interface {
	// Set stores value under key. A ttl of NoExpiry stores it without
	// expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value stored under key. The boolean is false if the
	// key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes key. Deleting a key that does not exist succeeds.
	Delete(ctx context.Context, key string) error
}

var _ Cache = (*Client)(nil)

// Client is a cache client for a redis cluster. It owns a connection Pool,
// a Topology tracker and a Router, and releases them on Close. It is safe
// for concurrent use.
type Client struct {
	cfg     Config
	pool    *Pool
	topo    *Topology
	router  *Router
	log     zerolog.Logger
	metrics *metrics
	tracer  trace.Tracer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a client and loads the cluster topology from the seed nodes.
// If the topology cannot be loaded, the client is still returned and
// operations fail with ErrUnavailable until a refresh succeeds, unless
// cfg.RequireTopology is set, in which case New returns the error.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seeds, _ := cfg.seeds()

	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("clustercache: register metrics: %w", err)
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	pool := newPool(cfg.Pool, cfg.ClientName, logger, m)
	topo := newTopology(cfg.Refresh, seeds, poolLoader{pool: pool}, logger, m, func(pm *PartitionMap) {
		pool.Prune(pm.Endpoints())
	})
	c := &Client{
		cfg:     cfg,
		pool:    pool,
		topo:    topo,
		router:  newRouter(topo, pool, logger, m),
		log:     logger.With().Str("component", "client").Logger(),
		metrics: m,
		tracer:  tp.Tracer(tracerName),
	}

	if err := topo.refresh(ctx, triggerInitial); err != nil {
		if cfg.RequireTopology {
			_ = c.Close()
			return nil, &OpError{Op: "new", Kind: ErrUnavailable, Err: err}
		}
		c.log.Warn().Err(err).Msg("initial topology load failed, client unavailable until a refresh succeeds")
	}
	topo.Start()
	return c, nil
}

// Set stores value under key with the ttl, which must not be negative. A
// positive ttl is rounded up to the millisecond.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		err := &OpError{Op: "set", Key: key, Kind: ErrInvalidArgument, Err: fmt.Errorf("negative ttl %s", ttl)}
		c.metrics.observeOp("set", time.Now(), err)
		return err
	}

	args := []interface{}{value}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if time.Duration(ms)*time.Millisecond < ttl {
			ms++
		}
		args = append(args, "PX", ms)
	}
	_, err := c.do(ctx, "set", key, "SET", args...)
	return err
}

// Get returns the value stored under key. It returns false and no error if
// the key does not exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.do(ctx, "get", key, "GET")
	if err != nil || v == nil {
		return nil, false, err
	}
	b, err := redis.Bytes(v, nil)
	if err != nil {
		return nil, false, &OpError{Op: "get", Key: key, Kind: ErrServer, Err: err}
	}
	return b, true, nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, "delete", key, "DEL")
	return err
}

func (c *Client) do(ctx context.Context, op, key, cmd string, args ...interface{}) (v interface{}, err error) {
	start := time.Now()
	slot := Slot(key)
	ctx, span := c.tracer.Start(ctx, "clustercache."+cmd,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", cmd),
			attribute.Int("clustercache.slot", slot),
		))
	defer func() {
		c.metrics.observeOp(op, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log.Debug().Err(err).Str("op", op).Str("key", key).Msg("operation failed")
		}
		span.End()
	}()

	if c.closed.Load() {
		return nil, &OpError{Op: op, Key: key, Kind: ErrClosed}
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OperationTimeout)
		defer cancel()
	}

	ep, err := c.router.Route(key)
	if err != nil {
		return nil, translate(op, key, err)
	}
	span.SetAttributes(attribute.String("server.address", ep.Addr()))

	full := append([]interface{}{key}, args...)
	v, err = c.router.ExecuteAt(ctx, ep, false, cmd, full...)
	for redirects := 0; err != nil; redirects++ {
		var re *RedirectError
		if !errors.As(err, &re) {
			break
		}
		if redirects >= c.cfg.MaxRedirects {
			err = &OpError{Op: op, Key: key, Endpoint: re.Endpoint, Kind: ErrRoutingExhausted, Err: re}
			break
		}
		span.AddEvent("redirect", trace.WithAttributes(
			attribute.String("type", re.Type()),
			attribute.String("server.address", re.Endpoint.Addr()),
		))
		v, err = c.router.ExecuteAt(ctx, re.Endpoint, re.Ask, cmd, full...)
	}
	return v, translate(op, key, err)
}

// Route returns the endpoint that currently owns key.
func (c *Client) Route(key string) (Endpoint, error) {
	return c.router.Route(key)
}

// Snapshot returns the current partition map.
func (c *Client) Snapshot() *PartitionMap {
	return c.topo.Snapshot()
}

// Refresh reloads the topology now.
func (c *Client) Refresh(ctx context.Context) error {
	return c.topo.RefreshNow(ctx)
}

// Stats returns the connection pool counts per endpoint.
func (c *Client) Stats() map[Endpoint]PoolStats {
	return c.pool.Stats()
}

// Close stops the topology refreshes and closes the connections. Operations
// called after Close fail with ErrClosed. It is safe to call more than
// once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		terr := c.topo.Close()
		perr := c.pool.Close()
		c.closeErr = errors.Join(terr, perr)
		c.log.Debug().Msg("client closed")
	})
	return c.closeErr
}
