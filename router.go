package clustercache

import (
	"context"
	"errors"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
)

// Router sends commands to the node that owns the key, using the current
// partition map of the Topology and connections of the Pool. It never
// updates the partition map itself: redirections and connection failures
// are reported to the Topology as adaptive refresh signals and returned to
// the caller.
type Router struct {
	topo    *Topology
	pool    *Pool
	log     zerolog.Logger
	metrics *metrics
}

// NewRouter creates a router. If logger is nil, nothing is logged.
func NewRouter(topo *Topology, pool *Pool, logger *zerolog.Logger) *Router {
	return newRouter(topo, pool, logger, nopMetrics())
}

func newRouter(topo *Topology, pool *Pool, logger *zerolog.Logger, m *metrics) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Router{
		topo:    topo,
		pool:    pool,
		log:     logger.With().Str("component", "router").Logger(),
		metrics: m,
	}
}

// Route returns the primary endpoint that owns the slot of key. If no
// topology was loaded yet, it fails with ErrUnavailable and signals the
// Topology to refresh.
func (r *Router) Route(key string) (Endpoint, error) {
	ep, ok := r.topo.Snapshot().Owner(Slot(key))
	if !ok {
		r.topo.TriggerAdaptive(ReasonEmptyTopology)
		return Endpoint{}, &OpError{Op: "route", Key: key, Kind: ErrUnavailable}
	}
	return ep, nil
}

// Execute runs cmd for key on the node that owns it. The key is sent as
// the first argument of the command, followed by args.
//
// If the node replies with a redirection, the error is a *RedirectError
// and the command is not retried.
func (r *Router) Execute(ctx context.Context, key, cmd string, args ...interface{}) (interface{}, error) {
	ep, err := r.Route(key)
	if err != nil {
		return nil, err
	}
	return r.ExecuteAt(ctx, ep, false, cmd, append([]interface{}{key}, args...)...)
}

// ExecuteAt runs cmd with args on the node at ep. If asking is true, the
// ASKING command is sent first, as required to follow an ASK redirection.
func (r *Router) ExecuteAt(ctx context.Context, ep Endpoint, asking bool, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := r.pool.Acquire(ctx, ep)
	if err != nil {
		// a passed deadline is not a node failure
		if (errors.Is(err, ErrConnectFailed) || errors.Is(err, ErrTimeout)) && !expired(ctx) {
			r.topo.TriggerAdaptive(ReasonPersistentReconnect)
		}
		return nil, err
	}

	if asking {
		if _, err := conn.Do(ctx, "ASKING"); err != nil {
			var rerr redis.Error
			if !errors.As(err, &rerr) {
				return nil, r.fail(ctx, conn, cmd, err)
			}
			r.pool.Release(conn)
			return nil, &OpError{Op: "ASKING", Endpoint: ep, Kind: ErrServer, Err: err}
		}
	}

	v, err := conn.Do(ctx, cmd, args...)
	if err == nil {
		r.pool.Release(conn)
		return v, nil
	}

	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return nil, r.fail(ctx, conn, cmd, err)
	}

	// an error reply leaves the connection usable
	r.pool.Release(conn)
	if re := ParseRedirect(rerr); re != nil {
		if re.Endpoint.Host == "" || re.Endpoint.Host == "?" {
			// unknown endpoint, the port is on the host that replied
			re.Endpoint.Host = ep.Host
		}
		r.metrics.redirects.WithLabelValues(re.Type()).Inc()
		r.log.Debug().
			Str("cmd", cmd).
			Str("from", ep.Addr()).
			Str("to", re.Endpoint.Addr()).
			Int("slot", re.NewSlot).
			Msg(re.Type() + " redirection")
		if !re.Ask {
			r.topo.TriggerAdaptive(ReasonMovedRedirect)
		}
		return nil, re
	}
	return nil, &OpError{Op: cmd, Endpoint: ep, Kind: ErrServer, Err: err}
}

// fail invalidates conn after a transport failure.
func (r *Router) fail(ctx context.Context, conn *Conn, cmd string, err error) error {
	r.pool.Invalidate(conn)
	if !expired(ctx) {
		r.topo.TriggerAdaptive(ReasonPersistentReconnect)
	}

	kind := transportKind(ctx, err)
	r.log.Debug().Err(err).Str("cmd", cmd).Str("endpoint", conn.Endpoint().Addr()).Msg("connection failed")
	return &OpError{Op: cmd, Endpoint: conn.Endpoint(), Kind: kind, Err: err}
}
