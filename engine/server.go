package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/catalog"
	"github.com/navicore/zim-sync/protocol"
	"github.com/navicore/zim-sync/transfer"
	"github.com/navicore/zim-sync/transport"
)

// State is the per-peer conversation state, seen from the server.
type State uint8

const (
	// StateIdle awaits the peer's first Discover.
	StateIdle State = iota
	// StateCatalogSent means Announce and FileList have been emitted.
	StateCatalogSent
	// StateTransferring means at least one file transfer is in flight.
	StateTransferring
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCatalogSent:
		return "catalog-sent"
	default:
		return "transferring"
	}
}

// EchoPrefix leads every echo-fallback reply to an undecodable text
// datagram.
const EchoPrefix = "ZimSync Echo: "

// SupportedFeatures is advertised in every Announce.
var SupportedFeatures = []string{"compression", "chunking", "resume"}

// errDropConnection tells the peer actor to stop serving this connection.
var errDropConnection = errors.New("drop connection")

// catalogSnapshot is one immutable catalog generation. Peer actors read
// whichever snapshot is current; refreshes swap the pointer atomically.
type catalogSnapshot struct {
	files     []protocol.FileMetadata
	byID      map[uuid.UUID]protocol.FileMetadata
	totalSize int64
}

// Server owns the shared-file catalog and serves any number of peers, one
// actor goroutine per connection.
type Server struct {
	device   protocol.DeviceInfo
	provider catalog.Provider

	snapshot atomic.Pointer[catalogSnapshot]

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer creates a server for the given identity and filesystem
// provider.
func NewServer(device protocol.DeviceInfo, provider catalog.Provider) *Server {
	s := &Server{
		device:   device,
		provider: provider,
	}
	s.snapshot.Store(&catalogSnapshot{byID: make(map[uuid.UUID]protocol.FileMetadata)})
	return s
}

// Serve accepts peer connections until the listener closes.
func (s *Server) Serve(listener transport.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"device":   s.device.Name,
		"local":    listener.Addr().String(),
	}).Info("ZimSync server serving")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || s.closed.Load() {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown marks the server closed. Callers close the listener to unblock
// Serve; Serve then waits for peer actors to drain.
func (s *Server) Shutdown() {
	s.closed.Store(true)
}

// RefreshCatalog rescans the filesystem provider and swaps in a fresh
// catalog snapshot.
func (s *Server) RefreshCatalog() error {
	_, err := s.refreshCatalog()
	return err
}

// refreshCatalog rebuilds the catalog snapshot from the filesystem
// provider and swaps it in atomically.
func (s *Server) refreshCatalog() (*catalogSnapshot, error) {
	files, err := s.provider.List()
	if err != nil {
		return nil, err
	}

	snap := &catalogSnapshot{
		files: files,
		byID:  make(map[uuid.UUID]protocol.FileMetadata, len(files)),
	}
	for _, f := range files {
		snap.byID[f.ID] = f
		snap.totalSize += f.Size
	}
	s.snapshot.Store(snap)

	logrus.WithFields(logrus.Fields{
		"function":   "refreshCatalog",
		"file_count": len(files),
		"total_size": snap.totalSize,
	}).Debug("Catalog snapshot swapped")

	return snap, nil
}

// Catalog returns the current catalog snapshot's files.
func (s *Server) Catalog() []protocol.FileMetadata {
	return s.snapshot.Load().files
}

// handleConn runs the actor loop for one peer connection. All session
// state lives on this goroutine.
func (s *Server) handleConn(conn transport.Connection) {
	peer := newPeerSession(s, conn)
	defer peer.close()

	logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"peer":     conn.RemoteAddr().String(),
	}).Info("Peer conversation started")

	for {
		data, err := conn.Receive()
		if err != nil {
			// An empty datagram is undecodable input, not a transport
			// failure: drop it and keep the conversation alive.
			if errors.Is(err, transport.ErrEmptyDatagram) {
				logrus.WithFields(logrus.Fields{
					"function": "handleConn",
					"peer":     conn.RemoteAddr().String(),
				}).Debug("Dropping empty datagram")
				continue
			}
			// Transport failure terminates the conversation; live
			// transfer sessions are dropped by close.
			logrus.WithFields(logrus.Fields{
				"function": "handleConn",
				"peer":     conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Debug("Peer conversation ended")
			return
		}

		if err := peer.handleDatagram(data); errors.Is(err, errDropConnection) {
			return
		}
	}
}

// peerSession is the single-goroutine state for one peer conversation.
type peerSession struct {
	server *Server
	conn   transport.Connection

	state    State
	sequence uint16

	transfers *transfer.Engine

	// peerFiles are files the peer has offered us via its FileList,
	// keyed by file ID. They gate reverse-direction receives.
	peerFiles map[uuid.UUID]protocol.FileMetadata

	// activeSend is the file currently being served to this peer.
	activeSend uuid.UUID

	// acked tracks chunks the peer has confirmed per outgoing file.
	acked map[uuid.UUID]map[uint32]struct{}

	handlers map[protocol.PacketType]func(protocol.Packet) error
}

// newPeerSession builds the actor state and registers packet handlers.
func newPeerSession(s *Server, conn transport.Connection) *peerSession {
	p := &peerSession{
		server:    s,
		conn:      conn,
		state:     StateIdle,
		transfers: transfer.NewEngine(),
		peerFiles: make(map[uuid.UUID]protocol.FileMetadata),
		acked:     make(map[uuid.UUID]map[uint32]struct{}),
	}

	p.handlers = map[protocol.PacketType]func(protocol.Packet) error{
		protocol.PacketDiscover:    p.handleDiscover,
		protocol.PacketFileList:    p.handleFileList,
		protocol.PacketFileRequest: p.handleFileRequest,
		protocol.PacketFileData:    p.handleFileData,
		protocol.PacketAck:         p.handleAck,
	}
	return p
}

// close tears down the conversation: transfer sessions drop, partial
// receives are removed, the connection cancels.
func (p *peerSession) close() {
	p.transfers.AbortAll()
	p.conn.Cancel()
}

// handleDatagram decodes one datagram and routes it through the state
// machine.
func (p *peerSession) handleDatagram(data []byte) error {
	_, packet, err := protocol.Decode(data)
	if err != nil {
		return p.handleDecodeFailure(data, err)
	}

	handler, ok := p.handlers[packet.Type()]
	if !ok {
		// Announce/Error from a peer need no reply.
		logrus.WithFields(logrus.Fields{
			"function":    "handleDatagram",
			"packet_type": packet.Type(),
			"state":       p.state,
		}).Debug("Ignoring unhandled packet type")
		return nil
	}
	return handler(packet)
}

// handleDecodeFailure implements the version guard, the checksum error
// reply, and the echo fallback for undecodable text datagrams.
func (p *peerSession) handleDecodeFailure(data []byte, err error) error {
	switch {
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		_ = p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeUnsupportedFormat,
			Message: "unsupported version",
		})
		return errDropConnection

	case errors.Is(err, protocol.ErrChecksumMismatch):
		_ = p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeChecksumMismatch,
			Message: "payload checksum mismatch",
		})
		return nil

	case errors.Is(err, protocol.ErrInvalidPacket) && len(data) > 0 && utf8.Valid(data):
		// Diagnostic convenience for hand-sent text datagrams.
		echo := append([]byte(EchoPrefix), data...)
		if len(data) == 0 || data[len(data)-1] != '\n' {
			echo = append(echo, '\n')
		}
		return p.conn.Send(echo)

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleDecodeFailure",
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return nil
	}
}

// handleDiscover refreshes the catalog and replies Announce then
// FileList. Repeated Discovers re-announce without disturbing transfers.
func (p *peerSession) handleDiscover(pkt protocol.Packet) error {
	discover := pkt.(*protocol.DiscoverPacket)

	logrus.WithFields(logrus.Fields{
		"function":  "handleDiscover",
		"device_id": discover.DeviceID,
		"state":     p.state,
	}).Info("Peer discovery")

	snap, err := p.server.refreshCatalog()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDiscover",
			"error":    err.Error(),
		}).Error("Catalog refresh failed")
		return p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeFileNotFound,
			Message: "shared directory unavailable",
		})
	}

	if err := p.send(&protocol.AnnouncePacket{
		DeviceInfo:        p.server.device,
		AvailableSpace:    p.server.provider.AvailableSpace(),
		SupportedFeatures: SupportedFeatures,
	}); err != nil {
		return err
	}
	if err := p.send(&protocol.FileListPacket{
		Files:     snap.files,
		TotalSize: snap.totalSize,
	}); err != nil {
		return err
	}

	if p.state == StateIdle {
		p.state = StateCatalogSent
	}
	return nil
}

// handleFileList records the files the peer offers so that a later
// reverse-direction FileData can be matched to its metadata.
func (p *peerSession) handleFileList(pkt protocol.Packet) error {
	list := pkt.(*protocol.FileListPacket)
	for _, meta := range list.Files {
		p.peerFiles[meta.ID] = meta
	}
	return nil
}

// handleFileRequest serves one chunk of a cataloged file.
func (p *peerSession) handleFileRequest(pkt protocol.Packet) error {
	if p.state == StateIdle {
		// The reference behavior: requests before Discover are dropped.
		return nil
	}

	req := pkt.(*protocol.FileRequestPacket)

	meta, ok := p.server.snapshot.Load().byID[req.FileID]
	if !ok {
		return p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeFileNotFound,
			Message: "File not found",
			Details: map[string]string{"fileId": req.FileID.String()},
		})
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = transfer.DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > transfer.MaxChunkSize || req.StartOffset < 0 {
		return p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeUnsupportedFormat,
			Message: "unusable chunk size or offset",
		})
	}

	session, ok := p.transfers.Session(req.FileID, transfer.DirectionSending)
	if !ok {
		var err error
		session, err = p.transfers.StartSending(meta, p.server.provider.SharedPath(meta.Path), chunkSize)
		if err != nil {
			return p.send(&protocol.ErrorPacket{
				Code:    protocol.ErrCodeFileNotFound,
				Message: "File not found",
				Details: map[string]string{"fileId": req.FileID.String()},
			})
		}
		p.activeSend = req.FileID
	}

	chunkIndex := uint32(req.StartOffset / int64(session.ChunkSize))
	chunk, err := p.transfers.GetNextChunk(req.FileID, chunkIndex)
	if err != nil {
		return p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeFileNotFound,
			Message: "File not found",
		})
	}
	if chunk == nil {
		// Request past end of file: the pull is complete.
		logrus.WithFields(logrus.Fields{
			"function": "handleFileRequest",
			"file_id":  req.FileID,
			"offset":   req.StartOffset,
		}).Debug("Request past end of file")
		return nil
	}

	if err := p.send(chunk); err != nil {
		return err
	}
	p.state = StateTransferring
	return nil
}

// handleFileData stores a reverse-direction chunk and acknowledges it
// with the current received-chunk bitmap.
func (p *peerSession) handleFileData(pkt protocol.Packet) error {
	if p.state == StateIdle {
		return nil
	}

	data := pkt.(*protocol.FileDataPacket)

	session, ok := p.transfers.Session(data.FileID, transfer.DirectionReceiving)
	if !ok {
		meta, offered := p.peerFiles[data.FileID]
		if !offered {
			return p.send(&protocol.ErrorPacket{
				Code:    protocol.ErrCodeFileNotFound,
				Message: "File not found",
				Details: map[string]string{"fileId": data.FileID.String()},
			})
		}
		if !protocol.ValidBasename(meta.Path) {
			return p.send(&protocol.ErrorPacket{
				Code:    protocol.ErrCodeUnsupportedFormat,
				Message: "invalid file path",
				Details: map[string]string{"path": meta.Path},
			})
		}

		chunkSize := deriveChunkSize(data)
		var err error
		session, err = p.transfers.StartReceiving(meta, p.server.provider.InboundPath(meta.Path), chunkSize)
		if err != nil {
			return p.send(&protocol.ErrorPacket{
				Code:    protocol.ErrCodeInsufficientSpace,
				Message: "cannot store file",
			})
		}
	}

	if err := p.transfers.ReceiveChunk(data); err != nil {
		if errors.Is(err, protocol.ErrChecksumMismatch) {
			return p.send(&protocol.ErrorPacket{
				Code:    protocol.ErrCodeChecksumMismatch,
				Message: "chunk failed verification",
			})
		}
		return p.send(&protocol.ErrorPacket{
			Code:    protocol.ErrCodeFileNotFound,
			Message: "File not found",
		})
	}
	p.state = StateTransferring

	received := session.ReceivedChunks()
	if err := p.send(&protocol.AckPacket{
		SequenceNumber: p.sequence,
		ReceivedBitmap: BuildBitmap(received, session.TotalChunks()),
	}); err != nil {
		return err
	}

	if uint32(len(received)) == session.TotalChunks() {
		if err := p.transfers.CompleteTransfer(data.FileID, transfer.DirectionReceiving); err != nil {
			return p.send(&protocol.ErrorPacket{
				Code:    protocol.ErrCodeChecksumMismatch,
				Message: "file failed verification",
			})
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleFileData",
			"file_id":  data.FileID,
		}).Info("Inbound file stored and verified")
	}
	return nil
}

// handleAck records which chunks of the active outgoing file the peer has
// stored, so retransmits can target the gaps.
func (p *peerSession) handleAck(pkt protocol.Packet) error {
	ack := pkt.(*protocol.AckPacket)
	if len(ack.ReceivedBitmap) == 0 || p.activeSend == uuid.Nil {
		return nil
	}

	session, ok := p.transfers.Session(p.activeSend, transfer.DirectionSending)
	if !ok {
		return nil
	}

	confirmed := p.acked[p.activeSend]
	if confirmed == nil {
		confirmed = make(map[uint32]struct{})
		p.acked[p.activeSend] = confirmed
	}
	for _, index := range BitmapChunks(ack.ReceivedBitmap, session.TotalChunks()) {
		confirmed[index] = struct{}{}
	}

	if uint32(len(confirmed)) == session.TotalChunks() {
		_ = p.transfers.CompleteTransfer(p.activeSend, transfer.DirectionSending)
		logrus.WithFields(logrus.Fields{
			"function": "handleAck",
			"file_id":  p.activeSend,
		}).Info("Peer acknowledged every chunk")
		p.activeSend = uuid.Nil
	}
	return nil
}

// send encodes a packet with the next sequence number and transmits it.
// The uint16 counter wraps at 65535.
func (p *peerSession) send(pkt protocol.Packet) error {
	data, err := protocol.Encode(pkt, p.sequence)
	if err != nil {
		return err
	}
	p.sequence++
	return p.conn.Send(data)
}

// deriveChunkSize infers the sender's chunk size from a FileData packet.
// Offsets are exact multiples of the chunk size, so any non-first chunk
// fixes it; a first chunk that is not also the last carries a full chunk.
func deriveChunkSize(data *protocol.FileDataPacket) int32 {
	if data.ChunkIndex > 0 {
		return int32(data.Offset / int64(data.ChunkIndex))
	}
	if data.TotalChunks > 1 {
		if data.OriginalSize != nil {
			return *data.OriginalSize
		}
		return int32(len(data.Data))
	}
	return transfer.DefaultChunkSize
}
