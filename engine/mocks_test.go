package engine

import (
	"net"
	"sync"

	"github.com/navicore/zim-sync/transport"
)

// mockConn is one end of an in-memory datagram pipe. Two ends share a
// pair of channels; Send on one end becomes Receive on the other.
// Cancelling either end tears down the whole pipe, so a peer blocked in
// Receive observes the hangup.
type mockConn struct {
	out chan<- []byte
	in  <-chan []byte

	local  net.Addr
	remote net.Addr

	mu     sync.Mutex
	closed bool
	once   *sync.Once
	done   chan struct{}
}

// newConnPair returns two connected mock connections.
func newConnPair() (*mockConn, *mockConn) {
	aToB := make(chan []byte, 256)
	bToA := make(chan []byte, 256)

	addrA := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1111}
	addrB := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}

	once := &sync.Once{}
	done := make(chan struct{})
	a := &mockConn{out: aToB, in: bToA, local: addrA, remote: addrB, once: once, done: done}
	b := &mockConn{out: bToA, in: aToB, local: addrB, remote: addrA, once: once, done: done}
	return a, b
}

func (c *mockConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.out <- buf
	return nil
}

func (c *mockConn) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		if len(data) == 0 {
			return nil, transport.ErrEmptyDatagram
		}
		return data, nil
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *mockConn) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.once.Do(func() { close(c.done) })
}

func (c *mockConn) LocalAddr() net.Addr  { return c.local }
func (c *mockConn) RemoteAddr() net.Addr { return c.remote }

// mockListener hands out pre-queued connections.
type mockListener struct {
	conns chan transport.Connection
	addr  net.Addr

	once sync.Once
	done chan struct{}
}

func newMockListener() *mockListener {
	return &mockListener{
		conns: make(chan transport.Connection, 8),
		addr:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080},
		done:  make(chan struct{}),
	}
}

func (l *mockListener) Accept() (transport.Connection, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, transport.ErrClosed
	}
}

func (l *mockListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *mockListener) Addr() net.Addr { return l.addr }
