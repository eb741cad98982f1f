package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Encode serializes a packet into a single datagram: the fixed header
// followed by the JSON payload. The header checksum is the first four
// bytes of the SHA-256 hash of the payload.
func Encode(p Packet, sequenceNumber uint16) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidPacket, err)
	}

	if len(payload) > MaxPayloadSize {
		logrus.WithFields(logrus.Fields{
			"function":     "Encode",
			"packet_type":  p.Type(),
			"payload_size": len(payload),
			"max_payload":  MaxPayloadSize,
		}).Error("Refusing to encode oversized packet")
		return nil, fmt.Errorf("%w: payload %d bytes", ErrPacketTooLarge, len(payload))
	}

	header := PacketHeader{
		Magic:          Magic,
		Version:        Version,
		Type:           p.Type(),
		Flags:          flagsFor(p),
		SequenceNumber: sequenceNumber,
		PayloadSize:    uint32(len(payload)),
		Checksum:       payloadChecksum(payload),
	}

	datagram := make([]byte, HeaderSize+len(payload))
	header.marshal(datagram[:HeaderSize])
	copy(datagram[HeaderSize:], payload)

	return datagram, nil
}

// Decode parses a datagram into its header and typed packet. It fails with
// ErrInvalidPacket for structural problems and ErrChecksumMismatch when the
// payload does not match the header checksum.
func Decode(data []byte) (*PacketHeader, Packet, error) {
	if len(data) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPacket, len(data), HeaderSize)
	}

	header := parseHeader(data[:HeaderSize])

	if header.Magic != Magic {
		return nil, nil, fmt.Errorf("%w: bad magic 0x%08X", ErrInvalidPacket, header.Magic)
	}
	if header.Version > Version {
		return nil, nil, fmt.Errorf("%w: %w: %d", ErrInvalidPacket, ErrUnsupportedVersion, header.Version)
	}
	if !validType(header.Type) {
		return nil, nil, fmt.Errorf("%w: unknown type 0x%02X", ErrInvalidPacket, byte(header.Type))
	}
	if int(header.PayloadSize) > len(data)-HeaderSize {
		return nil, nil, fmt.Errorf("%w: payload size %d exceeds datagram", ErrInvalidPacket, header.PayloadSize)
	}

	payload := data[HeaderSize : HeaderSize+int(header.PayloadSize)]

	if payloadChecksum(payload) != header.Checksum {
		logrus.WithFields(logrus.Fields{
			"function":    "Decode",
			"packet_type": header.Type,
			"sequence":    header.SequenceNumber,
		}).Warn("Payload checksum mismatch, dropping datagram")
		return nil, nil, fmt.Errorf("%w: header checksum does not match payload", ErrChecksumMismatch)
	}

	packet := newPacket(header.Type)
	if err := json.Unmarshal(payload, packet); err != nil {
		return nil, nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidPacket, err)
	}

	return header, packet, nil
}

// flagsFor derives the header flag bits for a packet. Only file data sets
// flags today; the compressed and encrypted bits stay reserved.
func flagsFor(p Packet) byte {
	var flags byte
	if fd, ok := p.(*FileDataPacket); ok {
		flags |= FlagRequiresAck
		if fd.IsLastChunk() {
			flags |= FlagLastChunk
		}
	}
	return flags
}

// newPacket returns a zero value of the variant matching t. The caller
// must have validated t first.
func newPacket(t PacketType) Packet {
	switch t {
	case PacketDiscover:
		return &DiscoverPacket{}
	case PacketAnnounce:
		return &AnnouncePacket{}
	case PacketFileList:
		return &FileListPacket{}
	case PacketFileRequest:
		return &FileRequestPacket{}
	case PacketFileData:
		return &FileDataPacket{}
	case PacketAck:
		return &AckPacket{}
	case PacketError:
		return &ErrorPacket{}
	default:
		return nil
	}
}

// payloadChecksum returns the first four bytes of SHA-256 over payload.
func payloadChecksum(payload []byte) [4]byte {
	sum := sha256.Sum256(payload)
	var checksum [4]byte
	copy(checksum[:], sum[:4])
	return checksum
}

// marshal writes the header into buf, which must be HeaderSize bytes.
func (h *PacketHeader) marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = byte(h.Type)
	buf[6] = h.Flags
	binary.BigEndian.PutUint16(buf[7:9], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[9:13], h.PayloadSize)
	copy(buf[13:17], h.Checksum[:])
}

// parseHeader reads a header from buf, which must be HeaderSize bytes.
func parseHeader(buf []byte) *PacketHeader {
	h := &PacketHeader{
		Magic:          binary.BigEndian.Uint32(buf[0:4]),
		Version:        buf[4],
		Type:           PacketType(buf[5]),
		Flags:          buf[6],
		SequenceNumber: binary.BigEndian.Uint16(buf[7:9]),
		PayloadSize:    binary.BigEndian.Uint32(buf[9:13]),
	}
	copy(h.Checksum[:], buf[13:17])
	return h
}
