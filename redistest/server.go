// Package redistest provides test helpers for the cluster client: RESP mock
// servers, an in-memory mock cluster and a launcher for a real redis-server
// cluster.
package redistest

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// ClusterConfig is the configuration of servers started in redis-cluster
// mode. The value must contain a single reference to a string placeholder
// (%s), the port number.
var ClusterConfig = `
port %s
cluster-enabled yes
cluster-config-file nodes.%[1]s.conf
cluster-node-timeout 5000
appendonly no
save ""
`

// NumClusterNodes is the number of primary nodes started by StartCluster.
const NumClusterNodes = 3

const hashSlots = 16384

// StartCluster starts a redis cluster of NumClusterNodes primaries, each
// owning a contiguous range of slots, and returns the "127.0.0.1:port"
// address of each node. The nodes are stopped when the test ends. If the
// redis-server command is not found in the PATH, the test is skipped.
func StartCluster(t testing.TB) []string {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	addrs := make([]string, NumClusterNodes)
	perNode := hashSlots / NumClusterNodes
	for i := range addrs {
		port := clusterFreePort(t)
		cmd := startServer(t, port, fmt.Sprintf(ClusterConfig, port))
		t.Cleanup(func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			os.Remove(filepath.Join(os.TempDir(), fmt.Sprintf("nodes.%s.conf", port)))
		})
		addrs[i] = "127.0.0.1:" + port

		count := perNode
		if i == NumClusterNodes-1 {
			count = hashSlots - i*perNode
		}
		addSlots(t, addrs[i], i*perNode, count)
		if i > 0 {
			meet(t, addrs[i], addrs[i-1])
		}
	}

	require.True(t, waitForCluster(10*time.Second, addrs...), "wait for cluster")
	return addrs
}

func startServer(t testing.TB, port, conf string) *exec.Cmd {
	c := exec.Command("redis-server", "-")
	c.Dir = os.TempDir()
	c.Stdin = strings.NewReader(conf)
	require.NoError(t, c.Start(), "start redis-server")
	require.True(t, waitForPort(port, 10*time.Second), "wait for redis-server")
	t.Logf("redis-server started on port %s", port)
	return c
}

func addSlots(t testing.TB, addr string, start, count int) {
	conn, err := redis.Dial("tcp", addr)
	require.NoError(t, err, "dial cluster node")
	defer conn.Close()

	args := redis.Args{"ADDSLOTSRANGE", start, start + count - 1}
	_, err = conn.Do("CLUSTER", args...)
	if err != nil {
		// ADDSLOTSRANGE requires redis 7
		args = redis.Args{"ADDSLOTS"}
		for s := start; s < start+count; s++ {
			args = args.Add(s)
		}
		_, err = conn.Do("CLUSTER", args...)
	}
	require.NoError(t, err, "CLUSTER ADDSLOTS")
}

func meet(t testing.TB, addr, other string) {
	conn, err := redis.Dial("tcp", addr)
	require.NoError(t, err, "dial cluster node")
	defer conn.Close()

	host, port, _ := net.SplitHostPort(other)
	_, err = conn.Do("CLUSTER", "MEET", host, port)
	require.NoError(t, err, "CLUSTER MEET")
}

func waitForCluster(timeout time.Duration, addrs ...string) bool {
	deadline := time.Now().Add(timeout)
	for _, addr := range addrs {
		for {
			if time.Now().After(deadline) {
				return false
			}
			if clusterOK(addr) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return true
}

func clusterOK(addr string) bool {
	conn, err := redis.Dial("tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	info, err := redis.Bytes(conn.Do("CLUSTER", "INFO"))
	return err == nil && bytes.Contains(info, []byte("cluster_state:ok"))
}

func waitForPort(port string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// the cluster bus listens on port+10000, so the port must leave room for
// it.
func clusterFreePort(t testing.TB) string {
	const maxPort = 55535

	port := freePort(t)
	if n, _ := strconv.Atoi(port); n >= maxPort {
		port = strconv.Itoa(n - 10000)
	}
	return port
}

func freePort(t testing.TB) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}
