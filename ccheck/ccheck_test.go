package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mna/clustercache"
	"github.com/mna/clustercache/redistest"
	"github.com/mna/mainer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCache is an in-memory cache that can drop or fail writes.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte

	dropUpdates bool // ignore writes to existing keys
	failEvery   int  // apply every n-th write but report an error
	writes      int
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok || !m.dropUpdates {
		m.data[key] = value
	}
	m.writes++
	if m.failEvery > 0 && m.writes%m.failEvery == 0 {
		return clustercache.ErrTimeout
	}
	return nil
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// lateCache fails all writes with a timeout once the deadline of the
// context has passed.
type lateCache struct {
	memCache
}

func (l *lateCache) Set(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	if dl, ok := ctx.Deadline(); ok {
		time.Sleep(time.Until(dl))
	}
	return clustercache.ErrTimeout
}

func runChecker(t *testing.T, mc clustercache.Cache) stats {
	chk := &checker{cache: mc, prefix: "k", log: zerolog.Nop(), values: make(map[string]int)}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	chk.run(ctx)
	return chk.stats
}

func TestCheckerLostWrites(t *testing.T) {
	st := runChecker(t, &memCache{data: make(map[string][]byte), dropUpdates: true})
	assert.Greater(t, st.writes, 0)
	assert.Greater(t, st.reads, 0)
	assert.Greater(t, st.lostWrites, 0)
	assert.Equal(t, 0, st.noAckWrites)
}

func TestCheckerNoAckWrites(t *testing.T) {
	st := runChecker(t, &memCache{data: make(map[string][]byte), failEvery: 2})
	assert.Greater(t, st.writes, 0)
	assert.Greater(t, st.failedWrites, 0)
	assert.Greater(t, st.noAckWrites, 0)
	assert.Equal(t, 0, st.lostWrites)
}

func TestCheckerDeadline(t *testing.T) {
	st := runChecker(t, &lateCache{memCache{data: make(map[string][]byte)}})
	assert.Equal(t, 0, st.failedWrites)
	assert.Equal(t, 0, st.writes)
}

func TestCheck(t *testing.T) {
	mc := redistest.StartMockCluster(t, 3, clustercache.Slot)
	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, nil, 0o600))

	var stdout, stderr bytes.Buffer
	var c cmd
	code := c.Main([]string{binName, "-e", env, "-a", strings.Join(mc.Addrs(), ","),
		"--duration", "300ms", "--stats-interval", "50ms"},
		mainer.Stdio{Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, mainer.Success, code, stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Greater(t, len(lines), 1)
	last := lines[len(lines)-1]
	assert.Contains(t, last, "R (0 err)")
	assert.Contains(t, last, "W (0 err)")
	assert.True(t, strings.HasSuffix(last, "| 0 lost | 0 noack"), last)
	assert.Greater(t, mc.TotalCalls("SET"), 0)
}

func TestCheckMigration(t *testing.T) {
	mc := redistest.StartMockCluster(t, 2, clustercache.Slot)
	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, nil, 0o600))

	go func() {
		time.Sleep(100 * time.Millisecond)
		mc.Assign(0, 8191, 1)
	}()

	var stdout, stderr bytes.Buffer
	var c cmd
	code := c.Main([]string{binName, "-e", env, "-a", mc.Addrs()[0], "--duration", "400ms"},
		mainer.Stdio{Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, mainer.Success, code, stderr.String())
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stdout.String()), "| 0 lost | 0 noack"), stdout.String())
}
