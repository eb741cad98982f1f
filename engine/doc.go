// Package engine implements the ZimSync session state machine.
//
// A Server owns the shared-file catalog and runs one actor goroutine per
// peer connection; all state for a conversation is confined to that
// goroutine, so no locking crosses peer boundaries. A Client drives the
// symmetric pull flow: Discover, pick a file from the announced catalog,
// request chunks, acknowledge with a selective-ACK bitmap, and verify the
// full-file checksum on completion.
package engine
