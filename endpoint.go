package clustercache

import (
	"fmt"
	"net"
	"strconv"
)

// Role is the role of a cluster node.
type Role uint8

// List of node roles.
const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// Endpoint identifies a cluster node. It is a comparable value and can be
// used as a map key.
type Endpoint struct {
	Host string
	Port int
	Role Role
}

// ParseEndpoint parses addr, which must be in the "host:port" form. The
// host may be empty (e.g. ":7000").
func ParseEndpoint(addr string, role Role) (Endpoint, error) {
	host, sport, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("clustercache: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(sport)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("clustercache: invalid port in address %q", addr)
	}
	return Endpoint{Host: host, Port: port, Role: role}, nil
}

// Addr returns the "host:port" network address of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero returns true if e is the zero Endpoint.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

func (e Endpoint) String() string {
	return e.Addr() + "/" + e.Role.String()
}
