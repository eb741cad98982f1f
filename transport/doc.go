// Package transport provides the datagram transport consumed by the
// ZimSync engine.
//
// The engine never touches sockets directly: it talks to the Transport,
// Listener, and Connection interfaces, so alternative transports can be
// plugged in for testing or for other network stacks. The included
// UDPTransport carries one protocol datagram per UDP packet and demuxes
// inbound traffic into a Connection per remote peer.
package transport
