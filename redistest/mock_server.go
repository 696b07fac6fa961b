package redistest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mna/clustercache/redistest/resp"
	"github.com/stretchr/testify/require"
)

// Handler handles a command received by a mock server and returns the value
// to encode in the reply. Returning CloseConn closes the connection without
// replying.
type Handler func(cmd string, args ...string) interface{}

type closeConn struct{}

// CloseConn is the value a Handler returns to make the server drop the
// client connection, which the client sees as a transport failure.
var CloseConn interface{} = closeConn{}

// MockServer is a mock redis server.
type MockServer struct {
	Addr string

	accepted atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
	newH     func() Handler
	t        testing.TB
	l        net.Listener

	mu    sync.Mutex
	conns map[net.Conn]bool
}

// StartMockServer creates and starts a mock redis server on a random
// port of 127.0.0.1. The handler is called for each command received by the
// server. The server is closed when the test ends.
func StartMockServer(t testing.TB, handler Handler) *MockServer {
	return StartMockServerPerConn(t, func() Handler { return handler })
}

// StartMockServerPerConn is like StartMockServer except that newHandler is
// called for each accepted connection, so the handler can keep
// per-connection state.
func StartMockServerPerConn(t testing.TB, newHandler func() Handler) *MockServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "net.Listen")

	s := &MockServer{
		Addr:  l.Addr().String(),
		done:  make(chan struct{}),
		newH:  newHandler,
		t:     t,
		l:     l,
		conns: make(map[net.Conn]bool),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Accepted returns the number of connections accepted so far.
func (s *MockServer) Accepted() int {
	return int(s.accepted.Load())
}

// DropConns closes all open client connections, the server keeps
// accepting new ones.
func (s *MockServer) DropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close closes the mock redis server and its connections. It is safe to
// call more than once.
func (s *MockServer) Close() {
	select {
	case <-s.done:
		return
	default:
	}

	s.l.Close()
	<-s.done
	s.DropConns()

	exit := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exit)
	}()

	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		s.t.Error("failed to cleanly stop the mock server")
	}
}

func (s *MockServer) serve() {
	defer close(s.done)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *MockServer) serveConn(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	h := s.newH()
	dec := resp.NewDecoder(c)
	enc := resp.NewEncoder(c)
	for {
		req, err := dec.DecodeRequest()
		if err != nil {
			return
		}

		v := h(req[0], req[1:]...)
		if v == CloseConn {
			return
		}
		if err := enc.Encode(v); err != nil {
			return
		}
	}
}
