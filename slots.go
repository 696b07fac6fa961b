package clustercache

import (
	"context"
	"errors"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// SlotsLoader loads the slot assignment of the cluster by querying a node.
type SlotsLoader interface {
	LoadSlots(ctx context.Context, ep Endpoint) ([]SlotRange, error)
}

// poolLoader runs CLUSTER SLOTS on a connection leased from a pool.
type poolLoader struct {
	pool *Pool
}

// NewSlotsLoader returns a SlotsLoader that runs the CLUSTER SLOTS command
// on connections of pool.
func NewSlotsLoader(pool *Pool) SlotsLoader {
	return poolLoader{pool: pool}
}

func (l poolLoader) LoadSlots(ctx context.Context, ep Endpoint) ([]SlotRange, error) {
	conn, err := l.pool.Acquire(ctx, ep)
	if err != nil {
		return nil, err
	}

	ranges, err := clusterSlots(ctx, conn)
	var rerr redis.Error
	if err != nil && !errors.As(err, &rerr) {
		l.pool.Invalidate(conn)
	} else {
		l.pool.Release(conn)
	}
	return ranges, err
}

// clusterSlots runs CLUSTER SLOTS on conn and parses the reply. The first
// node of each range is the primary, the others are replicas. A node with
// an empty host is the node that was queried.
func clusterSlots(ctx context.Context, conn *Conn) ([]SlotRange, error) {
	vals, err := redis.Values(conn.Do(ctx, "CLUSTER", "SLOTS"))
	if err != nil {
		return nil, err
	}

	ranges := make([]SlotRange, 0, len(vals))
	for len(vals) > 0 {
		var slotRange []interface{}
		if vals, err = redis.Scan(vals, &slotRange); err != nil {
			return nil, err
		}

		var sr SlotRange
		nodes, err := redis.Scan(slotRange, &sr.Start, &sr.End)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			return nil, fmt.Errorf("clustercache: no node for slot range [%d-%d]", sr.Start, sr.End)
		}

		for i, node := range nodes {
			ep, err := parseSlotNode(node, conn.Endpoint().Host)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				sr.Primary = ep
				continue
			}
			ep.Role = RoleReplica
			sr.Replicas = append(sr.Replicas, ep)
		}
		ranges = append(ranges, sr)
	}
	return ranges, nil
}

// parseSlotNode parses a [host, port, id, ...] node entry of a CLUSTER
// SLOTS reply.
func parseSlotNode(v interface{}, queriedHost string) (Endpoint, error) {
	fields, err := redis.Values(v, nil)
	if err != nil {
		return Endpoint{}, err
	}

	var host string
	var port int
	if _, err := redis.Scan(fields, &host, &port); err != nil {
		return Endpoint{}, err
	}
	if host == "" || host == "?" {
		host = queriedHost
	}
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("clustercache: invalid port %d in CLUSTER SLOTS reply", port)
	}
	return Endpoint{Host: host, Port: port, Role: RolePrimary}, nil
}
