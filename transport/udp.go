package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize is the read buffer size for inbound UDP packets.
const maxDatagramSize = 65536

// UDPTransport implements Transport over UDP sockets.
type UDPTransport struct {
	// ConnectTimeout bounds Connect readiness. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// NewUDPTransport creates a UDP transport with default settings.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{ConnectTimeout: DefaultConnectTimeout}
}

// Connect opens a client-side datagram channel to endpoint. It fails with
// ErrConnectionFailed when the local socket cannot bind and with
// ErrTimeout when the channel does not become ready within the configured
// bound.
func (t *UDPTransport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"endpoint": endpoint,
	}).Debug("Opening UDP connection")

	remote, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrConnectionFailed, endpoint, err)
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: bind: %v", ErrConnectionFailed, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &udpConn{
		conn:   conn,
		remote: remote,
		ctx:    connCtx,
		cancel: cancel,
	}

	timeout := t.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	if err := c.waitReady(ctx, timeout); err != nil {
		c.Cancel()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Connect",
		"local_addr": conn.LocalAddr().String(),
		"remote":     remote.String(),
	}).Info("UDP connection ready")

	return c, nil
}

// Listen binds the given port and returns a Listener that demuxes inbound
// datagrams into one Connection per remote peer.
func (t *UDPTransport) Listen(port uint16) (Listener, error) {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: listen on port %d: %v", ErrConnectionFailed, port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &udpListener{
		conn:     conn,
		conns:    make(map[string]*listenerConn),
		acceptCh: make(chan Connection, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	go l.readLoop()

	logrus.WithFields(logrus.Fields{
		"function":   "Listen",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP listener started")

	return l, nil
}

// udpConn is a client-side connection bound to one remote endpoint.
type udpConn struct {
	conn   net.PacketConn
	remote *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// waitReady polls until the socket is usable or the bound elapses. A bound
// UDP socket is ready as soon as it reports a local address; the poll loop
// keeps the contract uniform for transports with slower setup.
func (c *udpConn) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.conn.LocalAddr() != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: not ready after %s", ErrTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(readinessPollInterval):
		}
	}
}

// Send transmits one datagram to the remote endpoint.
func (c *udpConn) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	if _, err := c.conn.WriteTo(data, c.remote); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

// Receive blocks until one datagram arrives from the remote endpoint.
// Datagrams from other sources are discarded.
func (c *udpConn) Receive() ([]byte, error) {
	buffer := make([]byte, maxDatagramSize)
	for {
		select {
		case <-c.ctx.Done():
			return nil, ErrClosed
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(readinessPollInterval))
		n, addr, err := c.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("receive datagram: %w", err)
		}
		if !sameEndpoint(addr, c.remote) {
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"from":     addr.String(),
				"expected": c.remote.String(),
			}).Debug("Discarding datagram from unexpected peer")
			continue
		}
		if n == 0 {
			return nil, ErrEmptyDatagram
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		return data, nil
	}
}

// Cancel tears the connection down. Idempotent.
func (c *udpConn) Cancel() {
	c.once.Do(func() {
		c.cancel()
		if err := c.conn.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Cancel",
				"error":    err.Error(),
			}).Warn("Failed to close UDP socket")
		}
	})
}

// LocalAddr returns the bound local endpoint.
func (c *udpConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote endpoint.
func (c *udpConn) RemoteAddr() net.Addr { return c.remote }

// udpListener owns the server socket and demuxes datagrams by source
// address into per-peer connections.
type udpListener struct {
	conn net.PacketConn

	conns  map[string]*listenerConn
	connMu sync.RWMutex

	acceptCh chan Connection

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// readLoop pulls datagrams off the socket and routes them to per-peer
// connections, creating new ones as previously unseen peers appear.
func (l *udpListener) readLoop() {
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(readinessPollInterval))
		n, addr, err := l.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-l.ctx.Done():
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("UDP listener read failed")
			}
			return
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		l.route(data, addr)
	}
}

// route hands a datagram to the connection for addr, creating and
// publishing the connection when the peer is new.
func (l *udpListener) route(data []byte, addr net.Addr) {
	key := addr.String()

	l.connMu.Lock()
	c, known := l.conns[key]
	if !known {
		ctx, cancel := context.WithCancel(l.ctx)
		c = &listenerConn{
			listener: l,
			remote:   addr,
			readCh:   make(chan []byte, 64),
			ctx:      ctx,
			cancel:   cancel,
		}
		l.conns[key] = c
	}
	l.connMu.Unlock()

	if !known {
		select {
		case l.acceptCh <- c:
			logrus.WithFields(logrus.Fields{
				"function": "route",
				"peer":     key,
			}).Info("New peer connection")
		case <-l.ctx.Done():
			return
		}
	}

	select {
	case c.readCh <- data:
	default:
		// Unreliable transport: drop when the peer's buffer is full.
		logrus.WithFields(logrus.Fields{
			"function": "route",
			"peer":     key,
		}).Debug("Peer read buffer full, dropping datagram")
	}
}

// Accept blocks until a new peer connection is available.
func (l *udpListener) Accept() (Connection, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-l.ctx.Done():
		return nil, ErrClosed
	}
}

// Close shuts down the listener and every peer connection.
func (l *udpListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.conn.Close()

		l.connMu.Lock()
		for key, c := range l.conns {
			c.cancel()
			delete(l.conns, key)
		}
		l.connMu.Unlock()
	})
	return err
}

// Addr returns the bound local endpoint.
func (l *udpListener) Addr() net.Addr { return l.conn.LocalAddr() }

// drop removes a peer connection from the demux table.
func (l *udpListener) drop(c *listenerConn) {
	l.connMu.Lock()
	delete(l.conns, c.remote.String())
	l.connMu.Unlock()
}

// listenerConn is one peer's connection on the server side. Reads come
// from the listener's demux loop; writes go straight to the shared socket.
type listenerConn struct {
	listener *udpListener
	remote   net.Addr
	readCh   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Send transmits one datagram to the peer through the shared socket.
func (c *listenerConn) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	if _, err := c.listener.conn.WriteTo(data, c.remote); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

// Receive blocks until the demux loop delivers a datagram from this peer.
func (c *listenerConn) Receive() ([]byte, error) {
	select {
	case data := <-c.readCh:
		if len(data) == 0 {
			return nil, ErrEmptyDatagram
		}
		return data, nil
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Cancel detaches the peer connection from the listener. Idempotent.
func (c *listenerConn) Cancel() {
	c.once.Do(func() {
		c.cancel()
		c.listener.drop(c)
	})
}

// LocalAddr returns the listener's bound endpoint.
func (c *listenerConn) LocalAddr() net.Addr { return c.listener.conn.LocalAddr() }

// RemoteAddr returns the peer endpoint.
func (c *listenerConn) RemoteAddr() net.Addr { return c.remote }

// sameEndpoint reports whether two addresses name the same UDP endpoint.
func sameEndpoint(a, b net.Addr) bool {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return a.String() == b.String()
	}
	ub, ok := b.(*net.UDPAddr)
	if !ok {
		return a.String() == b.String()
	}
	return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
}
