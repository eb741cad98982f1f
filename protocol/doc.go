// Package protocol implements the ZimSync wire protocol.
//
// This package defines the framed packet format exchanged between peers,
// the codec that encodes and decodes datagrams, and the compression
// primitives used for file chunk payloads.
//
// Every datagram carries a fixed-size big-endian header followed by a
// JSON payload whose shape is selected by the header's type byte:
//
//	header, packet, err := protocol.Decode(datagram)
//	if err != nil {
//	    // drop the datagram
//	}
//	switch p := packet.(type) {
//	case *protocol.DiscoverPacket:
//	    // reply with Announce + FileList
//	case *protocol.FileRequestPacket:
//	    // start serving chunks
//	}
package protocol
