// Package clustercache implements a cache client for a redis cluster on
// top of the redigo client package. It stores, reads and deletes values
// by key on the node that owns the key's hash slot, and follows the
// cluster as slots move between nodes. See
// http://redis.io/topics/cluster-spec for details of the cluster protocol.
//
// # Client
//
// The Client type is the entry point. It is created with New from a
// Config, typically obtained from DefaultConfig with the SeedAddrs set:
//
//	cfg := clustercache.DefaultConfig()
//	cfg.SeedAddrs = []string{"10.0.0.1:7000", "10.0.0.2:7000"}
//	c, err := clustercache.New(ctx, cfg)
//
// It offers the following methods:
//
//   - Set(ctx, key, value, ttl) error
//   - Get(ctx, key) ([]byte, bool, error)
//   - Delete(ctx, key) error
//   - Close() error
//
// A ttl of NoExpiry stores a value that never expires, a negative ttl
// is rejected with ErrInvalidArgument without any I/O. Get returns false
// if the key does not exist or has expired. Deleting a missing key is
// not an error.
//
// # Topology
//
// The Topology type maintains the partition map, the assignment of each
// of the 16384 hash slots to a primary node. It is loaded with the
// CLUSTER SLOTS command from a known node, or one of the seed nodes if no
// node is known yet. A reply that does not cover all slots is rejected and
// the previous map is kept. Readers always see a complete map: the new one
// is swapped in atomically.
//
// The map is refreshed periodically, and adaptively when the Router
// receives a MOVED redirection or fails to reach a node. Adaptive
// refreshes are debounced, and concurrent refresh requests share the
// same in-flight load.
//
// # Routing
//
// The Router computes the hash slot of a key with the CRC16 of the key,
// or of its hash tag (the part between the first "{" and the next "}", if
// not empty), and sends the command to the owner of that slot in the
// current map. It never updates the map itself. A MOVED or ASK reply is
// returned as a *RedirectError, and the Client follows it at most
// Config.MaxRedirects times before failing with ErrRoutingExhausted. An
// ASK redirection is followed with the ASKING command and does not change
// the map.
//
// # Pool
//
// The Pool keeps per-node connections, with a cap on the total number of
// connections per node, a number of idle connections kept around and an
// idle timeout. Connections that fail are invalidated instead of being
// returned to the pool. Nodes that leave the partition map are pruned.
//
// # Errors
//
// The operations return an *OpError that wraps one of the Err* sentinel
// errors and the underlying cause, so that errors.Is and errors.As can be
// used on the returned error:
//
//	if errors.Is(err, clustercache.ErrTimeout) {
//		// retry later
//	}
//
// # Observability
//
// The Client logs with zerolog, records the duration of operations and
// the topology refreshes with prometheus collectors if a Registerer is
// configured, and creates an OpenTelemetry span for each operation.
package clustercache
