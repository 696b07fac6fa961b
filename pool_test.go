package clustercache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/clustercache/redistest"
	"github.com/mna/clustercache/redistest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pingServer(t *testing.T) (*redistest.MockServer, Endpoint) {
	s := redistest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "PING" {
			return resp.Pong
		}
		return resp.OK
	})
	ep, err := ParseEndpoint(s.Addr, RolePrimary)
	require.NoError(t, err)
	return s, ep
}

func testPool(t *testing.T, cfg PoolConfig) *Pool {
	if cfg.MaxTotal == 0 {
		cfg.MaxTotal = 10
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = cfg.MaxTotal
	}
	p := NewPool(cfg, "test", nil)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolAcquireRelease(t *testing.T) {
	s, ep := pingServer(t)
	p := testPool(t, PoolConfig{})
	ctx := context.Background()

	c, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, ConnInUse, c.State())
	assert.Equal(t, ep, c.Endpoint())
	assert.Equal(t, PoolStats{InUse: 1}, p.Stats()[ep])

	v, err := redis.String(c.Do(ctx, "PING"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", v)

	p.Release(c)
	assert.Equal(t, ConnIdle, c.State())
	assert.Equal(t, PoolStats{Idle: 1}, p.Stats()[ep])

	_, err = c.Do(ctx, "PING")
	assert.ErrorIs(t, err, ErrClosed, "idle conn cannot be used")

	c2, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.Same(t, c, c2, "idle conn is reused")
	assert.Equal(t, 1, s.Accepted())

	p.Release(c2)
	p.Release(c2)
	assert.Equal(t, PoolStats{Idle: 1}, p.Stats()[ep], "release is idempotent")
}

func TestPoolLIFO(t *testing.T) {
	_, ep := pingServer(t)
	p := testPool(t, PoolConfig{})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	p.Release(c1)
	p.Release(c2)

	c, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.Same(t, c2, c, "most recently released")
}

func TestPoolExhausted(t *testing.T) {
	_, ep := pingServer(t)
	p := testPool(t, PoolConfig{MaxTotal: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(ctx, ep)
		require.NoError(t, err)
	}

	zctx, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	start := time.Now()
	_, err := p.Acquire(zctx, ep)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "fails immediately")
	assert.Equal(t, PoolStats{InUse: 2}, p.Stats()[ep])
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	_, ep := pingServer(t)
	p := testPool(t, PoolConfig{MaxTotal: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, ep)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var c2 *Conn
	var err2 error
	wg.Add(1)
	go func() {
		defer wg.Done()
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c2, err2 = p.Acquire(wctx, ep)
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(c1)
	wg.Wait()

	require.NoError(t, err2)
	assert.Same(t, c1, c2)
}

func TestPoolInvalidate(t *testing.T) {
	s, ep := pingServer(t)
	p := testPool(t, PoolConfig{MaxTotal: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	p.Invalidate(c)
	assert.Equal(t, ConnClosed, c.State())
	assert.Equal(t, PoolStats{}, p.Stats()[ep])

	// no-ops
	p.Invalidate(c)
	p.Release(c)
	assert.Equal(t, PoolStats{}, p.Stats()[ep])

	c2, err := p.Acquire(ctx, ep)
	require.NoError(t, err, "slot was freed")
	assert.NotSame(t, c, c2)
	assert.Equal(t, 2, s.Accepted())
}

func TestPoolReleaseBrokenConn(t *testing.T) {
	s, ep := pingServer(t)
	p := testPool(t, PoolConfig{})
	ctx := context.Background()

	c, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	s.DropConns()
	_, err = c.Do(ctx, "PING")
	require.Error(t, err)

	p.Release(c)
	assert.Equal(t, ConnClosed, c.State())
	assert.Equal(t, PoolStats{}, p.Stats()[ep])
}

func TestPoolMaxIdle(t *testing.T) {
	_, ep := pingServer(t)
	p := testPool(t, PoolConfig{MaxIdle: 1, MaxTotal: 3})
	ctx := context.Background()

	conns := make([]*Conn, 3)
	for i := range conns {
		c, err := p.Acquire(ctx, ep)
		require.NoError(t, err)
		conns[i] = c
	}
	for _, c := range conns {
		p.Release(c)
	}

	assert.Equal(t, PoolStats{Idle: 1}, p.Stats()[ep])
	assert.Equal(t, ConnIdle, conns[0].State())
	assert.Equal(t, ConnClosed, conns[1].State())
	assert.Equal(t, ConnClosed, conns[2].State())
}

func TestPoolIdleTimeout(t *testing.T) {
	s, ep := pingServer(t)
	p := testPool(t, PoolConfig{IdleTimeout: time.Minute})
	ctx := context.Background()

	now := time.Now()
	p.now = func() time.Time { return now }

	c1, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	p.Release(c1)

	now = now.Add(2 * time.Minute)
	c2, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, ConnClosed, c1.State())
	assert.Equal(t, 2, s.Accepted())
}

func TestPoolIdleTimeoutKeepsMinIdle(t *testing.T) {
	_, ep := pingServer(t)
	p := testPool(t, PoolConfig{MinIdle: 1, IdleTimeout: time.Minute})
	ctx := context.Background()

	now := time.Now()
	p.now = func() time.Time { return now }

	c1, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	p.Release(c1)
	p.Release(c2)

	now = now.Add(2 * time.Minute)
	c, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.Same(t, c2, c, "the last idle conn is kept")
	assert.Equal(t, ConnClosed, c1.State())
}

func TestPoolEagerMinIdle(t *testing.T) {
	_, ep := pingServer(t)
	p := testPool(t, PoolConfig{MinIdle: 2, MaxIdle: 2, MaxTotal: 5, EagerMinIdle: true})
	ctx := context.Background()

	c, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return p.Stats()[ep].Idle == 2
	}, time.Second, 10*time.Millisecond)

	p.Invalidate(c)
	st := p.Stats()[ep]
	assert.Equal(t, 0, st.InUse)
	assert.LessOrEqual(t, st.Idle, 2)
}

func TestPoolDialError(t *testing.T) {
	s, ep := pingServer(t)
	s.Close()

	p := testPool(t, PoolConfig{MaxTotal: 1})
	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), ep)
		assert.ErrorIs(t, err, ErrConnectFailed)
		assert.NotErrorIs(t, err, ErrPoolExhausted, "failed dial frees the slot")
	}
	assert.Equal(t, PoolStats{}, p.Stats()[ep])
}

func TestPoolDialTimeout(t *testing.T) {
	s := redistest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "CLIENT" {
			time.Sleep(300 * time.Millisecond)
		}
		return resp.OK
	})
	ep, err := ParseEndpoint(s.Addr, RolePrimary)
	require.NoError(t, err)

	p := testPool(t, PoolConfig{MaxTotal: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, ep)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, PoolStats{}, p.Stats()[ep])
}

func TestPoolPrune(t *testing.T) {
	_, ep1 := pingServer(t)
	_, ep2 := pingServer(t)
	p := testPool(t, PoolConfig{})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	p.Release(c1)
	c2, err := p.Acquire(ctx, ep2)
	require.NoError(t, err)

	p.Prune([]Endpoint{ep1})
	stats := p.Stats()
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, ep1)

	// leased conn of a pruned endpoint is closed on release
	p.Release(c2)
	assert.Equal(t, ConnClosed, c2.State())
}

func TestPoolClose(t *testing.T) {
	_, ep := pingServer(t)
	p := NewPool(PoolConfig{MaxIdle: 2, MaxTotal: 2}, "", nil)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	p.Release(c1)

	require.NoError(t, p.Close())
	assert.Equal(t, ConnClosed, c1.State())
	assert.Equal(t, ConnInUse, c2.State())
	p.Release(c2)
	assert.Equal(t, ConnClosed, c2.State())

	_, err = p.Acquire(ctx, ep)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Close(), ErrClosed)
	assert.Empty(t, p.Stats())
}

func TestPoolConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Pool.Validate())

	err := PoolConfig{MaxIdle: 5, MinIdle: 6, MaxTotal: 4, DialTimeout: -1}.Validate()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "max idle")
		assert.Contains(t, err.Error(), "min idle")
		assert.Contains(t, err.Error(), "timeouts")
	}
	assert.Error(t, PoolConfig{}.Validate(), "max total is required")
}
