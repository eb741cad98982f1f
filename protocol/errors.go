package protocol

import "errors"

// ErrInvalidPacket indicates a datagram that cannot be parsed: too short,
// wrong magic, unsupported version, unknown type, or a truncated payload.
var ErrInvalidPacket = errors.New("invalid packet")

// ErrChecksumMismatch indicates that payload bytes do not match their
// declared checksum, or that decompressed data has an unexpected length.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrPacketTooLarge indicates an encoded packet would exceed the maximum
// datagram size.
var ErrPacketTooLarge = errors.New("packet exceeds maximum datagram size")

// ErrUnsupportedVersion indicates a datagram from a peer speaking a newer
// protocol major version. It always wraps ErrInvalidPacket; peers answer
// it with Error(415) and drop the connection.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")
