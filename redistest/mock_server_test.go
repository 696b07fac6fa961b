package redistest

import (
	"hash/crc32"
	"strconv"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockServer(t *testing.T) {
	s := StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "QUIT" {
			return CloseConn
		}
		return cmd
	})

	c, err := redis.Dial("tcp", s.Addr)
	require.NoError(t, err, "Dial")
	defer c.Close()

	v, err := redis.String(c.Do("ECHO", "a"))
	require.NoError(t, err, "ECHO")
	assert.Equal(t, "ECHO", v, "Should return the command name")
	assert.Equal(t, 1, s.Accepted())

	_, err = c.Do("QUIT")
	assert.Error(t, err, "QUIT drops the connection")
}

// test slot function, any deterministic spread works for the mock.
func testSlot(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % hashSlots)
}

func TestMockClusterRedirects(t *testing.T) {
	mc := StartMockCluster(t, 2, testSlot)

	key := "somekey"
	slot := testSlot(key)
	owner := slot / (hashSlots / 2)
	other := 1 - owner

	oc, err := redis.Dial("tcp", mc.Nodes[owner].Addr)
	require.NoError(t, err)
	defer oc.Close()
	xc, err := redis.Dial("tcp", mc.Nodes[other].Addr)
	require.NoError(t, err)
	defer xc.Close()

	_, err = xc.Do("SET", key, "v")
	assert.EqualError(t, err, "MOVED "+strconv.Itoa(slot)+" "+mc.Nodes[owner].Addr)

	_, err = oc.Do("SET", key, "v", "PX", "60000")
	require.NoError(t, err)
	v, err := redis.String(oc.Do("GET", key))
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.InDelta(t, time.Minute, mc.TTL(key), float64(time.Second))

	mc.Migrate(slot, other)
	_, err = oc.Do("GET", key)
	assert.EqualError(t, err, "ASK "+strconv.Itoa(slot)+" "+mc.Nodes[other].Addr)
	_, err = xc.Do("GET", key)
	assert.Error(t, err, "MOVED without ASKING")

	_, err = xc.Do("ASKING")
	require.NoError(t, err)
	v, err = redis.String(xc.Do("GET", key))
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	mc.Assign(slot, slot, other)
	n, err := redis.Int(xc.Do("DEL", key))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := mc.Value(key)
	assert.False(t, ok)

	assert.Equal(t, 1, mc.Calls(other, "ASKING"))
	assert.Equal(t, 2, mc.TotalCalls("SET"))
}

func TestMockClusterSlots(t *testing.T) {
	mc := StartMockCluster(t, 3, testSlot)
	mc.Assign(0, 99, 2)

	c, err := redis.Dial("tcp", mc.Nodes[0].Addr)
	require.NoError(t, err)
	defer c.Close()

	vals, err := redis.Values(c.Do("CLUSTER", "SLOTS"))
	require.NoError(t, err)
	require.Len(t, vals, 4)

	first, err := redis.Values(vals[0], nil)
	require.NoError(t, err)
	start, _ := redis.Int(first[0], nil)
	end, _ := redis.Int(first[1], nil)
	assert.Equal(t, 0, start)
	assert.Equal(t, 99, end)
}

func TestMockClusterExpiry(t *testing.T) {
	mc := StartMockCluster(t, 1, testSlot)
	start := time.Now()
	at := func(d time.Duration) func() time.Time {
		return func() time.Time { return start.Add(d) }
	}
	mc.SetNow(at(0))

	c, err := redis.Dial("tcp", mc.Nodes[0].Addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Do("SET", "k", "v", "PX", "100")
	require.NoError(t, err)
	mc.SetNow(at(99 * time.Millisecond))
	_, ok := mc.Value("k")
	assert.True(t, ok)
	mc.SetNow(at(100 * time.Millisecond))
	v, err := c.Do("GET", "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}
