package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrConnectionFailed indicates the transport could not bind or connect.
var ErrConnectionFailed = errors.New("connection failed")

// ErrTimeout indicates the transport did not become ready in time.
var ErrTimeout = errors.New("transport timeout")

// ErrClosed indicates an operation on a cancelled connection or listener.
var ErrClosed = errors.New("transport closed")

// ErrEmptyDatagram indicates a received datagram carried no bytes. The
// engine treats it like any other undecodable packet.
var ErrEmptyDatagram = errors.New("empty datagram")

// DefaultConnectTimeout bounds how long Connect waits for the channel to
// become ready.
const DefaultConnectTimeout = 3 * time.Second

// readinessPollInterval is the step used while waiting for readiness.
const readinessPollInterval = 100 * time.Millisecond

// Connection is a single unreliable datagram channel to one peer. Each
// Send transmits exactly one datagram; each Receive blocks until one
// datagram arrives or the connection is cancelled.
type Connection interface {
	// Send transmits one datagram to the peer.
	Send(data []byte) error

	// Receive blocks until one datagram is available and returns it.
	Receive() ([]byte, error)

	// Cancel tears the connection down. It is safe to call repeatedly.
	Cancel()

	// LocalAddr returns the local endpoint.
	LocalAddr() net.Addr

	// RemoteAddr returns the peer endpoint.
	RemoteAddr() net.Addr
}

// Listener accepts inbound Connections, one per remote peer.
type Listener interface {
	// Accept blocks until a previously unseen peer sends a datagram and
	// returns the Connection carrying it.
	Accept() (Connection, error)

	// Close shuts the listener and all of its connections down.
	Close() error

	// Addr returns the bound local endpoint.
	Addr() net.Addr
}

// Transport abstracts the datagram layer so the engine can run over
// different network stacks.
type Transport interface {
	// Connect opens a client-side channel to endpoint ("host:port").
	Connect(ctx context.Context, endpoint string) (Connection, error)

	// Listen binds the given UDP port and produces inbound Connections.
	Listen(port uint16) (Listener, error)
}
