package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/protocol"
	"github.com/navicore/zim-sync/transfer"
	"github.com/navicore/zim-sync/transport"
)

// DefaultResponseTimeout bounds how long the client waits for any single
// reply datagram.
const DefaultResponseTimeout = 5 * time.Second

// maxRetransmitRounds bounds how many gap-repair passes a pull makes
// before giving up on a lossy path.
const maxRetransmitRounds = 8

// ErrPeerFault reports that the peer answered with an Error packet.
var ErrPeerFault = errors.New("peer reported error")

// ErrTransferIncomplete reports that chunks were still missing after the
// retransmit rounds were exhausted.
var ErrTransferIncomplete = errors.New("transfer incomplete")

// Client drives the pull side of a conversation with one peer. It is not
// safe for concurrent use; run one Client per connection.
type Client struct {
	conn   transport.Connection
	device protocol.DeviceInfo

	sequence  uint16
	transfers *transfer.Engine

	// ResponseTimeout bounds each wait for a reply datagram.
	ResponseTimeout time.Duration

	packets chan packetOrRaw
	done    chan struct{}
}

// packetOrRaw carries one inbound datagram off the read pump: either a
// decoded packet or, for undecodable data, the raw bytes.
type packetOrRaw struct {
	packet protocol.Packet
	raw    []byte
}

// NewClient wraps a connection and starts its read pump. Close the client
// to stop the pump and cancel the connection.
func NewClient(conn transport.Connection, device protocol.DeviceInfo) *Client {
	c := &Client{
		conn:            conn,
		device:          device,
		transfers:       transfer.NewEngine(),
		ResponseTimeout: DefaultResponseTimeout,
		packets:         make(chan packetOrRaw, 64),
		done:            make(chan struct{}),
	}
	go c.readPump()
	return c
}

// Close stops the client and cancels its connection. Any in-flight
// receive sessions are aborted and their partial files removed.
func (c *Client) Close() {
	c.transfers.AbortAll()
	c.conn.Cancel()
}

// readPump moves datagrams from the connection into the packet channel
// until the connection closes. Empty datagrams are dropped, not fatal.
func (c *Client) readPump() {
	defer close(c.done)
	for {
		data, err := c.conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrEmptyDatagram) {
				continue
			}
			return
		}
		in := packetOrRaw{raw: data}
		if _, packet, err := protocol.Decode(data); err == nil {
			in = packetOrRaw{packet: packet}
		}
		select {
		case c.packets <- in:
		default:
			// Nobody is draining; datagrams are droppable.
		}
	}
}

// Discover asks the peer for its identity and catalog. It returns the
// Announce and the FileList, in the order the peer sends them.
func (c *Client) Discover(ctx context.Context) (*protocol.AnnouncePacket, *protocol.FileListPacket, error) {
	if err := c.send(&protocol.DiscoverPacket{
		DeviceID:  c.device.ID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, nil, err
	}

	var announce *protocol.AnnouncePacket
	var files *protocol.FileListPacket

	for announce == nil || files == nil {
		packet, err := c.nextPacket(ctx)
		if err != nil {
			return nil, nil, err
		}
		switch p := packet.(type) {
		case *protocol.AnnouncePacket:
			announce = p
		case *protocol.FileListPacket:
			files = p
		case *protocol.ErrorPacket:
			return nil, nil, peerFault(p)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Discover",
		"peer":       announce.DeviceInfo.Name,
		"file_count": len(files.Files),
	}).Info("Peer discovered")

	return announce, files, nil
}

// PullFile downloads one cataloged file to targetPath, requesting chunks
// in order, acknowledging with a received-chunk bitmap, and re-requesting
// gaps until the file is whole. On success the stored file has been
// verified against meta.Checksum.
func (c *Client) PullFile(ctx context.Context, meta protocol.FileMetadata, targetPath string, chunkSize int32) error {
	session, err := c.transfers.StartReceiving(meta, targetPath, chunkSize)
	if err != nil {
		return err
	}

	total := session.TotalChunks()
	logrus.WithFields(logrus.Fields{
		"function":     "PullFile",
		"file":         meta.Path,
		"total_chunks": total,
		"chunk_size":   session.ChunkSize,
	}).Info("Starting pull")

	wanted := make([]uint32, 0, total)
	for index := uint32(0); index < total; index++ {
		wanted = append(wanted, index)
	}

	for round := 0; round <= maxRetransmitRounds; round++ {
		if len(wanted) == 0 {
			break
		}
		if round > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "PullFile",
				"file":     meta.Path,
				"missing":  len(wanted),
				"round":    round,
			}).Warn("Re-requesting missing chunks")
		}

		for _, index := range wanted {
			if err := c.pullChunk(ctx, session, meta, index); err != nil {
				return err
			}
		}

		missing, err := c.transfers.MissingChunks(meta.ID)
		if err != nil {
			return err
		}
		wanted = missing
	}

	if len(wanted) > 0 {
		return fmt.Errorf("%w: %d chunks missing", ErrTransferIncomplete, len(wanted))
	}
	return c.transfers.CompleteTransfer(meta.ID, transfer.DirectionReceiving)
}

// pullChunk requests one chunk, stores whatever FileData arrives for the
// file, and acknowledges with the updated bitmap. A lost reply is not an
// error; the retransmit rounds will re-request the gap.
func (c *Client) pullChunk(ctx context.Context, session *transfer.Session, meta protocol.FileMetadata, index uint32) error {
	if err := c.send(&protocol.FileRequestPacket{
		FileID:      meta.ID,
		StartOffset: int64(index) * int64(session.ChunkSize),
		ChunkSize:   session.ChunkSize,
	}); err != nil {
		return err
	}

	packet, err := c.nextPacket(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		return err
	}

	switch p := packet.(type) {
	case *protocol.FileDataPacket:
		if p.FileID != meta.ID {
			return nil
		}
		if err := c.transfers.ReceiveChunk(p); err != nil {
			// A corrupted chunk stays missing and gets re-requested.
			if errors.Is(err, protocol.ErrChecksumMismatch) {
				logrus.WithFields(logrus.Fields{
					"function": "pullChunk",
					"chunk":    p.ChunkIndex,
				}).Warn("Discarding corrupted chunk")
				return nil
			}
			return err
		}
		return c.send(&protocol.AckPacket{
			SequenceNumber: c.sequence,
			ReceivedBitmap: BuildBitmap(session.ReceivedChunks(), session.TotalChunks()),
		})
	case *protocol.ErrorPacket:
		return peerFault(p)
	default:
		return nil
	}
}

// PushFile offers a local file to the peer and streams its chunks,
// re-sending whatever the peer's acknowledgment bitmaps report missing.
// The peer must have been discovered on this connection first.
func (c *Client) PushFile(ctx context.Context, path string, chunkSize int32) error {
	meta, err := transfer.PrepareFile(path)
	if err != nil {
		return err
	}
	session, err := c.transfers.StartSending(meta, path, chunkSize)
	if err != nil {
		return err
	}

	if err := c.send(&protocol.FileListPacket{
		Files:     []protocol.FileMetadata{meta},
		TotalSize: meta.Size,
	}); err != nil {
		return err
	}

	total := session.TotalChunks()
	logrus.WithFields(logrus.Fields{
		"function":     "PushFile",
		"file":         meta.Path,
		"total_chunks": total,
	}).Info("Starting push")

	confirmed := make(map[uint32]struct{})
	wanted := make([]uint32, 0, total)
	for index := uint32(0); index < total; index++ {
		wanted = append(wanted, index)
	}

	for round := 0; round <= maxRetransmitRounds && len(wanted) > 0; round++ {
		for _, index := range wanted {
			if err := c.pushChunk(ctx, meta, index, total, confirmed); err != nil {
				return err
			}
		}

		remaining := wanted[:0]
		for index := uint32(0); index < total; index++ {
			if _, ok := confirmed[index]; !ok {
				remaining = append(remaining, index)
			}
		}
		wanted = remaining
	}

	if len(wanted) > 0 {
		return fmt.Errorf("%w: peer confirmed %d of %d chunks", ErrTransferIncomplete, len(confirmed), total)
	}
	return c.transfers.CompleteTransfer(meta.ID, transfer.DirectionSending)
}

// pushChunk sends one chunk and folds the peer's acknowledgment bitmap
// into the confirmed set. A lost acknowledgment is repaired by the next
// round.
func (c *Client) pushChunk(ctx context.Context, meta protocol.FileMetadata, index, total uint32, confirmed map[uint32]struct{}) error {
	chunk, err := c.transfers.GetNextChunk(meta.ID, index)
	if err != nil {
		return err
	}
	if chunk == nil {
		return nil
	}
	if err := c.send(chunk); err != nil {
		return err
	}

	packet, err := c.nextPacket(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		return err
	}
	switch p := packet.(type) {
	case *protocol.AckPacket:
		for _, stored := range BitmapChunks(p.ReceivedBitmap, total) {
			confirmed[stored] = struct{}{}
		}
		return nil
	case *protocol.ErrorPacket:
		return peerFault(p)
	default:
		return nil
	}
}

// Probe sends raw bytes as-is and returns the peer's raw reply. It exists
// for the echo diagnostic.
func (c *Client) Probe(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.conn.Send(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.ResponseTimeout)
	defer timer.Stop()
	select {
	case in := <-c.packets:
		if in.packet != nil {
			if errPkt, ok := in.packet.(*protocol.ErrorPacket); ok {
				return nil, peerFault(errPkt)
			}
			return nil, fmt.Errorf("unexpected %#x reply to probe", byte(in.packet.Type()))
		}
		return in.raw, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

// nextPacket returns the next decoded packet, honoring the response
// timeout and context cancellation. Undecodable datagrams are skipped.
func (c *Client) nextPacket(ctx context.Context) (protocol.Packet, error) {
	timer := time.NewTimer(c.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case in := <-c.packets:
			if in.packet == nil {
				continue
			}
			return in.packet, nil
		case <-timer.C:
			return nil, transport.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, transport.ErrClosed
		}
	}
}

// send encodes a packet with the next sequence number and transmits it.
func (c *Client) send(pkt protocol.Packet) error {
	data, err := protocol.Encode(pkt, c.sequence)
	if err != nil {
		return err
	}
	c.sequence++
	return c.conn.Send(data)
}

// peerFault converts an ErrorPacket into a wrapped Go error.
func peerFault(p *protocol.ErrorPacket) error {
	return fmt.Errorf("%w: %d %s", ErrPeerFault, p.Code, p.Message)
}
