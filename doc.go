// Package zimsync implements peer-to-peer file synchronization for local
// networks, aimed at moving audio project files between machines in a
// studio without a server in the middle.
//
// Peers speak a compact datagram protocol over UDP: a fixed binary header
// carrying a type, sequence number, and payload checksum, followed by a
// JSON payload. Files move in chunks with per-chunk acknowledgment
// bitmaps, optional compression for compressible content, and a full-file
// SHA-256 verification on completion. Peers find each other over DNS-SD.
//
// Basic usage:
//
//	options := zimsync.NewOptions()
//	options.Directory = "/srv/stems"
//	options.Name = "studio-mac"
//
//	node, err := zimsync.New(options)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := node.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer node.Kill()
//
// The subpackages expose the individual layers: protocol holds the wire
// format and codec, transport the UDP datagram channels, transfer the
// chunked file engine, engine the session state machine with its client
// and server, catalog the shared-directory provider, and discovery the
// DNS-SD advertiser and browser.
package zimsync
