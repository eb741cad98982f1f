package protocol

import (
	"time"

	"github.com/google/uuid"
)

// PacketType identifies the type of a ZimSync packet.
type PacketType byte

const (
	// PacketDiscover probes for peers and requests their catalog.
	PacketDiscover PacketType = 0x01
	// PacketAnnounce advertises device identity and capacity.
	PacketAnnounce PacketType = 0x02
	// PacketFileList carries the shared-file catalog.
	PacketFileList PacketType = 0x03
	// PacketFileRequest asks a peer to serve a file chunk by chunk.
	PacketFileRequest PacketType = 0x04
	// PacketFileData carries one chunk of file content.
	PacketFileData PacketType = 0x05
	// PacketAck acknowledges received data, optionally with a chunk bitmap.
	PacketAck PacketType = 0x06
	// PacketError reports a protocol-level failure.
	PacketError PacketType = 0x07
)

// Header flag bits. The compressed and encrypted bits are reserved:
// compression is signalled inside FileDataPacket via OriginalSize, and the
// protocol defines no key exchange.
const (
	FlagCompressed  byte = 1 << 0
	FlagEncrypted   byte = 1 << 1
	FlagLastChunk   byte = 1 << 2
	FlagRequiresAck byte = 1 << 3
)

const (
	// Magic is the constant leading every ZimSync datagram ("ZIMS").
	Magic uint32 = 0x5A494D53

	// Version is the current protocol version byte.
	Version byte = 1

	// HeaderSize is the fixed wire size of PacketHeader in bytes:
	// magic(4) version(1) type(1) flags(1) sequence(2) payloadSize(4)
	// checksum(4).
	HeaderSize = 17

	// MaxPacketSize is the largest datagram the protocol will emit or accept.
	MaxPacketSize = 65536

	// MaxPayloadSize is the largest payload that fits after the header.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// PacketHeader is the fixed-size header leading every datagram.
// All multi-byte integers are big-endian on the wire.
type PacketHeader struct {
	Magic          uint32
	Version        byte
	Type           PacketType
	Flags          byte
	SequenceNumber uint16
	PayloadSize    uint32
	Checksum       [4]byte
}

// Packet is the closed set of ZimSync message variants. Exactly one
// concrete type exists per PacketType value.
type Packet interface {
	// Type returns the wire discriminator for this variant.
	Type() PacketType
}

// DiscoverPacket probes the network for peers. A server answers with
// Announce followed by FileList.
type DiscoverPacket struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns PacketDiscover.
func (*DiscoverPacket) Type() PacketType { return PacketDiscover }

// AnnouncePacket advertises the responding device, the free space on its
// shared volume, and the protocol features it supports.
type AnnouncePacket struct {
	DeviceInfo        DeviceInfo `json:"deviceInfo"`
	AvailableSpace    int64      `json:"availableSpace"`
	SupportedFeatures []string   `json:"supportedFeatures"`
}

// Type returns PacketAnnounce.
func (*AnnouncePacket) Type() PacketType { return PacketAnnounce }

// FileListPacket carries the catalog of files a peer is sharing.
type FileListPacket struct {
	Files     []FileMetadata `json:"files"`
	TotalSize int64          `json:"totalSize"`
}

// Type returns PacketFileList.
func (*FileListPacket) Type() PacketType { return PacketFileList }

// FileRequestPacket asks the peer to serve chunks of a previously listed
// file. StartOffset selects the first chunk; ChunkSize is fixed for the
// life of the transfer.
type FileRequestPacket struct {
	FileID      uuid.UUID       `json:"fileId"`
	StartOffset int64           `json:"startOffset"`
	ChunkSize   int32           `json:"chunkSize"`
	Compression CompressionType `json:"compressionType,omitempty"`
}

// Type returns PacketFileRequest.
func (*FileRequestPacket) Type() PacketType { return PacketFileRequest }

// FileDataPacket carries one chunk of file content. OriginalSize is
// non-nil exactly when Data is zlib-compressed; it gives the byte length
// the chunk must decompress to.
type FileDataPacket struct {
	FileID       uuid.UUID `json:"fileId"`
	ChunkIndex   uint32    `json:"chunkIndex"`
	Offset       int64     `json:"offset"`
	TotalChunks  uint32    `json:"totalChunks"`
	Data         []byte    `json:"data"`
	OriginalSize *int32    `json:"originalSize,omitempty"`
}

// Type returns PacketFileData.
func (*FileDataPacket) Type() PacketType { return PacketFileData }

// IsLastChunk reports whether this packet carries the final chunk.
func (p *FileDataPacket) IsLastChunk() bool {
	return p.TotalChunks > 0 && p.ChunkIndex == p.TotalChunks-1
}

// AckPacket acknowledges a peer's packet. ReceivedBitmap, when present, is
// a packed bit-vector over chunk indices: bit k set means chunk k stored.
type AckPacket struct {
	SequenceNumber uint16 `json:"sequenceNumber"`
	ReceivedBitmap []byte `json:"receivedBitmap,omitempty"`
}

// Type returns PacketAck.
func (*AckPacket) Type() PacketType { return PacketAck }

// ErrorCode is the closed set of protocol error codes.
type ErrorCode int

const (
	// ErrCodeFileNotFound reports an unknown file ID or missing file.
	ErrCodeFileNotFound ErrorCode = 404
	// ErrCodeTimeout reports an operation that did not complete in time.
	ErrCodeTimeout ErrorCode = 408
	// ErrCodeChecksumMismatch reports failed integrity verification.
	ErrCodeChecksumMismatch ErrorCode = 409
	// ErrCodeUnsupportedFormat reports an unusable request, path, or version.
	ErrCodeUnsupportedFormat ErrorCode = 415
	// ErrCodeInsufficientSpace reports that the shared volume is full.
	ErrCodeInsufficientSpace ErrorCode = 507
)

// ErrorPacket reports a protocol-level failure to the peer.
type ErrorPacket struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Type returns PacketError.
func (*ErrorPacket) Type() PacketType { return PacketError }

// validType reports whether t is one of the seven known discriminators.
func validType(t PacketType) bool {
	return t >= PacketDiscover && t <= PacketError
}
