package clustercache

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Error kinds returned by the client. Use errors.Is to test for them, the
// concrete error is usually an *OpError that also wraps the underlying
// cause.
var (
	// ErrInvalidArgument is returned when the caller violates the contract
	// of an operation (e.g. a negative TTL). No I/O is performed.
	ErrInvalidArgument = errors.New("clustercache: invalid argument")

	// ErrPoolExhausted is returned when no connection could be leased from
	// the pool before the deadline.
	ErrPoolExhausted = errors.New("clustercache: connection pool exhausted")

	// ErrConnectFailed is returned on a transport failure to reach a node.
	ErrConnectFailed = errors.New("clustercache: connection failed")

	// ErrRoutingExhausted is returned when the redirect retry budget of an
	// operation is exceeded.
	ErrRoutingExhausted = errors.New("clustercache: too many redirections")

	// ErrTimeout is returned when the deadline of an operation expires
	// during network I/O.
	ErrTimeout = errors.New("clustercache: timeout")

	// ErrUnavailable is returned while the cluster topology has never been
	// loaded successfully.
	ErrUnavailable = errors.New("clustercache: topology unavailable")

	// ErrServer is returned when a node replies with an error that is not
	// a redirection.
	ErrServer = errors.New("clustercache: server error")

	// ErrClosed is returned when using a closed client, pool or topology.
	ErrClosed = errors.New("clustercache: closed")

	// ErrIncompleteTopology is returned when a topology reply does not
	// assign every hash slot to a node.
	ErrIncompleteTopology = errors.New("clustercache: incomplete slot coverage")
)

// OpError is the error returned by the client operations. Kind is one of the
// Err* sentinel errors and Err is the underlying cause, if any.
type OpError struct {
	Op       string
	Key      string
	Endpoint Endpoint
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Key != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Key)
	}
	if !e.Endpoint.IsZero() {
		sb.WriteString(" on ")
		sb.WriteString(e.Endpoint.Addr())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns both the kind and the cause so that errors.Is and
// errors.As match either.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindOf returns the Err* sentinel that err matches, or nil.
func kindOf(err error) error {
	for _, k := range []error{
		ErrInvalidArgument, ErrPoolExhausted, ErrConnectFailed,
		ErrRoutingExhausted, ErrTimeout, ErrUnavailable, ErrServer, ErrClosed,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// expired returns true if the deadline of ctx has passed, even if its
// Done channel is not closed yet.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

// transportKind returns ErrTimeout if err is a network timeout or the
// deadline of ctx has passed, ErrConnectFailed otherwise.
func transportKind(ctx context.Context, err error) error {
	var nerr net.Error
	if expired(ctx) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return ErrTimeout
	}
	return ErrConnectFailed
}

// translate maps err to the client error taxonomy, filling in the
// operation and key. Errors that already carry a kind keep it.
func translate(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var oe *OpError
	if errors.As(err, &oe) {
		if oe.Op == "" || oe.Key == "" {
			cp := *oe
			if cp.Op == "" {
				cp.Op = op
			}
			if cp.Key == "" {
				cp.Key = key
			}
			return &cp
		}
		return err
	}

	kind := kindOf(err)
	switch {
	case kind != nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = ErrTimeout
	case ParseRedirect(err) != nil:
		kind = ErrRoutingExhausted
	default:
		kind = ErrConnectFailed
	}
	return &OpError{Op: op, Key: key, Kind: kind, Err: err}
}
