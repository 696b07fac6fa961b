package redistest

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mna/clustercache/redistest/resp"
)

// MockCluster is an in-memory redis cluster of mock servers. All nodes
// share the same key space, but each slot is owned by a single node, and a
// node replies with a MOVED redirection for keys in slots it does not own.
// It supports the PING, CLIENT, ASKING, CLUSTER SLOTS, GET, SET and DEL
// commands.
type MockCluster struct {
	Nodes []*MockServer

	slot func(string) int

	mu      sync.Mutex
	owners  []int       // slot -> node index
	migrate map[int]int // slot -> node index, ASK redirection
	data    map[string]mockEntry
	calls   map[int]map[string]int // node -> command -> count
	now     func() time.Time
	delay   time.Duration
}

type mockEntry struct {
	val     string
	expires time.Time
}

// StartMockCluster starts a mock cluster of n nodes with the slots evenly
// distributed among them. The slot function computes the hash slot of a
// key. The nodes are closed when the test ends.
func StartMockCluster(t testing.TB, n int, slot func(string) int) *MockCluster {
	c := &MockCluster{
		slot:    slot,
		owners:  make([]int, hashSlots),
		migrate: make(map[int]int),
		data:    make(map[string]mockEntry),
		calls:   make(map[int]map[string]int),
		now:     time.Now,
	}
	for i := 0; i < n; i++ {
		c.Nodes = append(c.Nodes, StartMockServerPerConn(t, func() Handler {
			var asking bool
			return func(cmd string, args ...string) interface{} {
				return c.handle(i, &asking, cmd, args...)
			}
		}))
	}

	per := hashSlots / n
	for i := 0; i < n; i++ {
		end := (i+1)*per - 1
		if i == n-1 {
			end = hashSlots - 1
		}
		c.Assign(i*per, end, i)
	}
	return c
}

// Addrs returns the addresses of the nodes.
func (c *MockCluster) Addrs() []string {
	addrs := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		addrs[i] = n.Addr
	}
	return addrs
}

// Assign makes node the owner of the slots in [start, end].
func (c *MockCluster) Assign(start, end, node int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := start; s <= end; s++ {
		c.owners[s] = node
		delete(c.migrate, s)
	}
}

// Migrate marks slot as migrating to node: the owner replies with an ASK
// redirection to node, which serves the key only after ASKING.
func (c *MockCluster) Migrate(slot, node int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migrate[slot] = node
}

// Calls returns the number of times node received cmd.
func (c *MockCluster) Calls(node int, cmd string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[node][strings.ToUpper(cmd)]
}

// TotalCalls returns the number of times cmd was received by any node.
func (c *MockCluster) TotalCalls(cmd string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, m := range c.calls {
		n += m[strings.ToUpper(cmd)]
	}
	return n
}

// Value returns the value stored for key, bypassing slot ownership.
func (c *MockCluster) Value(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	return e.val, ok
}

// TTL returns the remaining time to live of key, 0 if it has no expiry.
func (c *MockCluster) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok || e.expires.IsZero() {
		return 0
	}
	return e.expires.Sub(c.now())
}

// SetNow sets the function used to get the current time, to test
// expiration.
func (c *MockCluster) SetNow(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = fn
}

// SetDelay makes the nodes wait for d before replying to GET, SET and DEL.
func (c *MockCluster) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

func (c *MockCluster) lookup(key string) (mockEntry, bool) {
	e, ok := c.data[key]
	if ok && !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.data, key)
		return mockEntry{}, false
	}
	return e, ok
}

func (c *MockCluster) handle(node int, asking *bool, cmd string, args ...string) interface{} {
	v, delay := c.dispatch(node, asking, strings.ToUpper(cmd), args...)
	if delay > 0 {
		time.Sleep(delay)
	}
	return v
}

func (c *MockCluster) dispatch(node int, asking *bool, cmd string, args ...string) (interface{}, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.calls[node] == nil {
		c.calls[node] = make(map[string]int)
	}
	c.calls[node][cmd]++

	wasAsking := *asking
	*asking = false

	switch cmd {
	case "PING":
		return resp.Pong, 0
	case "CLIENT":
		return resp.OK, 0
	case "ASKING":
		*asking = true
		return resp.OK, 0
	case "CLUSTER":
		if len(args) == 1 && strings.EqualFold(args[0], "SLOTS") {
			return c.clusterSlots(), 0
		}
		return resp.Error("ERR unknown subcommand"), 0
	case "GET", "SET", "DEL":
	default:
		return resp.Error("ERR unknown command '" + cmd + "'"), 0
	}

	if len(args) == 0 {
		return resp.Error("ERR wrong number of arguments for '" + cmd + "' command"), c.delay
	}
	if redir := c.redirect(node, wasAsking, args[0]); redir != "" {
		return resp.Error(redir), c.delay
	}

	switch cmd {
	case "GET":
		if e, ok := c.lookup(args[0]); ok {
			return e.val, c.delay
		}
		return nil, c.delay

	case "SET":
		return c.set(args), c.delay

	default: // DEL
		var n int64
		for _, k := range args {
			if _, ok := c.lookup(k); ok {
				delete(c.data, k)
				n++
			}
		}
		return n, c.delay
	}
}

func (c *MockCluster) set(args []string) interface{} {
	if len(args) != 2 && len(args) != 4 {
		return resp.Error("ERR syntax error")
	}
	e := mockEntry{val: args[1]}
	if len(args) == 4 {
		n, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || n <= 0 {
			return resp.Error("ERR invalid expire time in 'set' command")
		}
		switch strings.ToUpper(args[2]) {
		case "PX":
			e.expires = c.now().Add(time.Duration(n) * time.Millisecond)
		case "EX":
			e.expires = c.now().Add(time.Duration(n) * time.Second)
		default:
			return resp.Error("ERR syntax error")
		}
	}
	c.data[args[0]] = e
	return resp.OK
}

func (c *MockCluster) redirect(node int, asking bool, key string) string {
	slot := c.slot(key)
	owner := c.owners[slot]
	target, migrating := c.migrate[slot]

	switch {
	case migrating && target == node && asking:
		return ""
	case owner != node:
		return "MOVED " + strconv.Itoa(slot) + " " + c.Nodes[owner].Addr
	case migrating:
		return "ASK " + strconv.Itoa(slot) + " " + c.Nodes[target].Addr
	default:
		return ""
	}
}

func (c *MockCluster) clusterSlots() interface{} {
	var out resp.Array
	for s := 0; s < hashSlots; {
		owner := c.owners[s]
		end := s
		for end+1 < hashSlots && c.owners[end+1] == owner {
			end++
		}

		host, port, _ := net.SplitHostPort(c.Nodes[owner].Addr)
		pn, _ := strconv.Atoi(port)
		out = append(out, resp.Array{
			int64(s), int64(end),
			resp.Array{host, int64(pn), "node" + strconv.Itoa(owner)},
		})
		s = end + 1
	}
	return out
}
