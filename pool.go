package clustercache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int32

// List of connection states.
const (
	ConnIdle ConnState = iota
	ConnInUse
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnInUse:
		return "in-use"
	case ConnClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// PoolConfig configures the connection pool. The limits apply per
// endpoint.
type PoolConfig struct {
	// MaxIdle is the maximum number of idle connections kept for reuse.
	MaxIdle int `yaml:"max_idle"`
	// MinIdle is the number of idle connections the pool tries to keep. Idle
	// connections are never expired below that number, and if EagerMinIdle
	// is set they are created in the background when missing.
	MinIdle int `yaml:"min_idle"`
	// MaxTotal is the maximum number of connections, idle or in use.
	MaxTotal     int  `yaml:"max_total"`
	EagerMinIdle bool `yaml:"eager_min_idle"`

	// IdleTimeout closes idle connections unused for that long, 0 means
	// never.
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Validate returns an error if the configuration is invalid.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxTotal <= 0 {
		errs = append(errs, errors.New("pool max total must be > 0"))
	}
	if c.MaxIdle < 0 || c.MaxIdle > c.MaxTotal {
		errs = append(errs, errors.New("pool max idle must be between 0 and max total"))
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxIdle {
		errs = append(errs, errors.New("pool min idle must be between 0 and max idle"))
	}
	if c.IdleTimeout < 0 || c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("pool timeouts must be >= 0"))
	}
	return errors.Join(errs...)
}

// PoolStats is the state of the connections to an endpoint.
type PoolStats struct {
	Idle  int
	InUse int
}

// Conn is a connection leased from a Pool. It must be returned to the pool
// with Release, or Invalidate if it failed, and must not be used after
// that.
type Conn struct {
	ep    Endpoint
	rc    redis.Conn
	np    *nodePool
	state atomic.Int32

	idleSince time.Time // protected by np.mu
}

// Endpoint returns the endpoint the connection is bound to.
func (c *Conn) Endpoint() Endpoint { return c.ep }

// State returns the current state of the connection.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Do executes a command on the connection. The context's deadline applies
// to the network I/O.
func (c *Conn) Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	if c.State() != ConnInUse {
		return nil, &OpError{Op: cmd, Endpoint: c.ep, Kind: ErrClosed}
	}
	return redis.DoContext(c.rc, ctx, cmd, args...)
}

// Pool is a bounded pool of connections per cluster node. A connection is
// leased to a single caller at a time. It is safe for concurrent use.
type Pool struct {
	cfg        PoolConfig
	clientName string
	log        zerolog.Logger
	metrics    *metrics

	// for tests
	dial func(context.Context, Endpoint) (redis.Conn, error)
	now  func() time.Time

	ctx    context.Context // canceled on Close, stops background fills
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	nodes  map[Endpoint]*nodePool
}

type nodePool struct {
	ep  Endpoint
	sem *semaphore.Weighted // one unit per leased or dialing connection

	mu      sync.Mutex
	idle    []*Conn // LIFO, oldest first
	inUse   int
	closed  bool
	filling bool
}

// NewPool creates a connection pool. The clientName, if not empty, is set
// on each connection with CLIENT SETNAME. If logger is nil, nothing is
// logged.
func NewPool(cfg PoolConfig, clientName string, logger *zerolog.Logger) *Pool {
	return newPool(cfg, clientName, logger, nopMetrics())
}

func newPool(cfg PoolConfig, clientName string, logger *zerolog.Logger, m *metrics) *Pool {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		clientName: clientName,
		log:        logger.With().Str("component", "pool").Logger(),
		metrics:    m,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		nodes:      make(map[Endpoint]*nodePool),
	}
	p.dial = p.dialRedis
	return p
}

func (p *Pool) dialRedis(ctx context.Context, ep Endpoint) (redis.Conn, error) {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(p.cfg.DialTimeout),
		redis.DialReadTimeout(p.cfg.ReadTimeout),
		redis.DialWriteTimeout(p.cfg.WriteTimeout),
	}
	if p.clientName != "" {
		opts = append(opts, redis.DialClientName(p.clientName))
	}
	return redis.DialContext(ctx, "tcp", ep.Addr(), opts...)
}

func (p *Pool) node(ep Endpoint) (*nodePool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &OpError{Op: "acquire", Endpoint: ep, Kind: ErrClosed}
	}
	np := p.nodes[ep]
	if np == nil {
		np = &nodePool{
			ep:  ep,
			sem: semaphore.NewWeighted(int64(p.cfg.MaxTotal)),
		}
		p.nodes[ep] = np
		if p.cfg.EagerMinIdle {
			p.fill(np)
		}
	}
	return np, nil
}

// Acquire leases a connection to ep. If MaxTotal connections are already
// leased, it waits until one is released or the context is done, in which
// case it fails with ErrPoolExhausted. A failure to dial the node returns
// ErrConnectFailed, or ErrTimeout if the dial timed out or the deadline of
// ctx passed.
func (p *Pool) Acquire(ctx context.Context, ep Endpoint) (*Conn, error) {
	np, err := p.node(ep)
	if err != nil {
		return nil, err
	}

	if !np.sem.TryAcquire(1) {
		if err := np.sem.Acquire(ctx, 1); err != nil {
			p.metrics.poolAcquires.WithLabelValues("exhausted").Inc()
			return nil, &OpError{Op: "acquire", Endpoint: ep, Kind: ErrPoolExhausted, Err: err}
		}
	}

	c, stale, closed := np.popIdle(p.cfg, p.now())
	for _, sc := range stale {
		_ = sc.rc.Close()
	}
	if closed {
		np.sem.Release(1)
		return nil, &OpError{Op: "acquire", Endpoint: ep, Kind: ErrClosed}
	}
	if c != nil {
		p.metrics.poolAcquires.WithLabelValues("reused").Inc()
		return c, nil
	}

	rc, err := p.dial(ctx, ep)
	if err != nil {
		np.sem.Release(1)
		p.metrics.poolAcquires.WithLabelValues("dial_error").Inc()
		p.log.Debug().Err(err).Str("endpoint", ep.Addr()).Msg("dial failed")
		return nil, &OpError{Op: "acquire", Endpoint: ep, Kind: transportKind(ctx, err), Err: err}
	}

	c = &Conn{ep: ep, rc: rc, np: np}
	c.state.Store(int32(ConnInUse))

	np.mu.Lock()
	if np.closed {
		np.mu.Unlock()
		_ = rc.Close()
		np.sem.Release(1)
		return nil, &OpError{Op: "acquire", Endpoint: ep, Kind: ErrClosed}
	}
	np.inUse++
	np.mu.Unlock()

	p.metrics.poolAcquires.WithLabelValues("dialed").Inc()
	return c, nil
}

// popIdle returns the most recently used idle connection, marked as in use,
// or nil if there is none. Idle connections past the idle timeout are
// removed and returned in stale, as long as MinIdle connections remain.
func (np *nodePool) popIdle(cfg PoolConfig, now time.Time) (c *Conn, stale []*Conn, closed bool) {
	np.mu.Lock()
	defer np.mu.Unlock()

	if np.closed {
		return nil, nil, true
	}

	if cfg.IdleTimeout > 0 {
		n := 0
		for n < len(np.idle) && len(np.idle)-n > cfg.MinIdle &&
			now.Sub(np.idle[n].idleSince) > cfg.IdleTimeout {
			n++
		}
		if n > 0 {
			stale = make([]*Conn, n)
			copy(stale, np.idle[:n])
			for _, sc := range stale {
				sc.state.Store(int32(ConnClosed))
			}
			np.idle = append(np.idle[:0], np.idle[n:]...)
		}
	}

	if last := len(np.idle) - 1; last >= 0 {
		c = np.idle[last]
		np.idle[last] = nil
		np.idle = np.idle[:last]
		c.state.Store(int32(ConnInUse))
		np.inUse++
	}
	return c, stale, false
}

// Release returns a leased connection to the pool. The connection is closed
// instead if it is broken, if MaxIdle connections are already idle or if
// its endpoint is no longer part of the pool. Releasing a connection that
// is not in use is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil || !c.state.CompareAndSwap(int32(ConnInUse), int32(ConnIdle)) {
		return
	}

	np := c.np
	np.mu.Lock()
	np.inUse--
	keep := !np.closed && c.rc.Err() == nil && len(np.idle) < p.cfg.MaxIdle
	if keep {
		c.idleSince = p.now()
		np.idle = append(np.idle, c)
	} else {
		c.state.Store(int32(ConnClosed))
	}
	np.mu.Unlock()

	if !keep {
		_ = c.rc.Close()
	}
	np.sem.Release(1)
}

// Invalidate closes a leased connection that failed and removes it from
// the pool. Invalidating a connection that is not in use is a no-op.
func (p *Pool) Invalidate(c *Conn) {
	if c == nil || !c.state.CompareAndSwap(int32(ConnInUse), int32(ConnClosed)) {
		return
	}

	np := c.np
	np.mu.Lock()
	np.inUse--
	np.mu.Unlock()

	_ = c.rc.Close()
	np.sem.Release(1)
	p.log.Debug().Str("endpoint", c.ep.Addr()).Msg("connection invalidated")

	if p.cfg.EagerMinIdle {
		p.fill(np)
	}
}

// fill starts a background goroutine that dials idle connections until
// MinIdle are available. At most one fill runs per endpoint.
func (p *Pool) fill(np *nodePool) {
	np.mu.Lock()
	if np.filling || np.closed || len(np.idle) >= p.cfg.MinIdle {
		np.mu.Unlock()
		return
	}
	np.filling = true
	// added under np.mu so that Close, which marks np closed under the same
	// lock before waiting, never races with Add.
	p.wg.Add(1)
	np.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			np.mu.Lock()
			np.filling = false
			np.mu.Unlock()
		}()

		for {
			np.mu.Lock()
			need := !np.closed && len(np.idle) < p.cfg.MinIdle
			np.mu.Unlock()
			if !need || !np.sem.TryAcquire(1) {
				return
			}

			ctx, cancel := p.ctx, context.CancelFunc(func() {})
			if p.cfg.DialTimeout > 0 {
				ctx, cancel = context.WithTimeout(p.ctx, p.cfg.DialTimeout)
			}
			rc, err := p.dial(ctx, np.ep)
			cancel()
			if err != nil {
				np.sem.Release(1)
				p.log.Debug().Err(err).Str("endpoint", np.ep.Addr()).Msg("min idle fill failed")
				return
			}

			c := &Conn{ep: np.ep, rc: rc, np: np}
			np.mu.Lock()
			if np.closed {
				np.mu.Unlock()
				_ = rc.Close()
				np.sem.Release(1)
				return
			}
			c.idleSince = p.now()
			np.idle = append(np.idle, c)
			np.mu.Unlock()
			np.sem.Release(1)
		}
	}()
}

// close marks the node pool as closed and closes its idle connections.
// Leased connections are closed when they are released.
func (np *nodePool) close() error {
	np.mu.Lock()
	np.closed = true
	idle := np.idle
	np.idle = nil
	np.mu.Unlock()

	var err error
	for _, c := range idle {
		c.state.Store(int32(ConnClosed))
		if e := c.rc.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Prune closes the connections to all endpoints that are not in keep.
func (p *Pool) Prune(keep []Endpoint) {
	set := make(map[Endpoint]bool, len(keep))
	for _, ep := range keep {
		set[ep] = true
	}

	var pruned []*nodePool
	p.mu.Lock()
	for ep, np := range p.nodes {
		if !set[ep] {
			pruned = append(pruned, np)
			delete(p.nodes, ep)
		}
	}
	p.mu.Unlock()

	for _, np := range pruned {
		_ = np.close()
		p.log.Debug().Str("endpoint", np.ep.Addr()).Msg("endpoint pruned from pool")
	}
}

// Stats returns the connection counts per endpoint.
func (p *Pool) Stats() map[Endpoint]PoolStats {
	p.mu.Lock()
	nodes := make([]*nodePool, 0, len(p.nodes))
	for _, np := range p.nodes {
		nodes = append(nodes, np)
	}
	p.mu.Unlock()

	stats := make(map[Endpoint]PoolStats, len(nodes))
	for _, np := range nodes {
		np.mu.Lock()
		stats[np.ep] = PoolStats{Idle: len(np.idle), InUse: np.inUse}
		np.mu.Unlock()
	}
	return stats
}

// Close releases the resources used by the pool. It closes all idle
// connections, leased ones are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	nodes := p.nodes
	p.nodes = nil
	p.mu.Unlock()

	p.cancel()
	var err error
	for _, np := range nodes {
		if e := np.close(); e != nil && err == nil {
			err = e
		}
	}
	p.wg.Wait()
	return err
}
