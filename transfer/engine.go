package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/protocol"
)

// Engine owns the registry of live transfer sessions, keyed by file ID and
// direction. At most one session exists per key; two peers pulling the same
// file are served by separate engines (one per peer conversation).
type Engine struct {
	mu           sync.RWMutex
	sessions     map[sessionKey]*Session
	timeProvider TimeProvider
}

// sessionKey uniquely identifies a transfer session.
type sessionKey struct {
	fileID    uuid.UUID
	direction Direction
}

// NewEngine creates an empty transfer engine.
func NewEngine() *Engine {
	return &Engine{
		sessions:     make(map[sessionKey]*Session),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider replaces the clock used by new sessions. For tests.
func (e *Engine) SetTimeProvider(tp TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeProvider = tp
}

// validateChunkSize rejects chunk sizes that cannot be framed.
func validateChunkSize(chunkSize int32) error {
	if chunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if chunkSize > MaxChunkSize {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, chunkSize, MaxChunkSize)
	}
	return nil
}

// StartSending opens path for reading and registers a sender session for
// meta.ID.
func (e *Engine) StartSending(meta protocol.FileMetadata, path string, chunkSize int32) (*Session, error) {
	if err := validateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	session, err := e.register(meta, path, chunkSize, DirectionSending, f)
	if err != nil {
		f.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "StartSending",
		"file_id":    meta.ID,
		"file_name":  meta.Path,
		"file_size":  meta.Size,
		"chunk_size": chunkSize,
	}).Info("Sender session started")

	return session, nil
}

// StartReceiving creates (or truncates) the target file and registers a
// receiver session for meta.ID. The parent directory is created if absent.
func (e *Engine) StartReceiving(meta protocol.FileMetadata, path string, chunkSize int32) (*Session, error) {
	if err := validateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	session, err := e.register(meta, path, chunkSize, DirectionReceiving, f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "StartReceiving",
		"file_id":    meta.ID,
		"file_name":  meta.Path,
		"file_size":  meta.Size,
		"chunk_size": chunkSize,
	}).Info("Receiver session started")

	return session, nil
}

// register inserts a new session, enforcing one per (fileID, direction).
func (e *Engine) register(meta protocol.FileMetadata, path string, chunkSize int32, direction Direction, f *os.File) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sessionKey{fileID: meta.ID, direction: direction}
	if _, exists := e.sessions[key]; exists {
		return nil, fmt.Errorf("%w: %s %s", ErrSessionExists, meta.ID, direction)
	}

	session := &Session{
		Meta:          meta,
		FilePath:      path,
		TotalSize:     meta.Size,
		ChunkSize:     chunkSize,
		Direction:     direction,
		StartTime:     e.timeProvider.Now(),
		file:          f,
		received:      make(map[uint32]struct{}),
		lastChunkTime: e.timeProvider.Now(),
		stallTimeout:  DefaultStallTimeout,
		timeProvider:  e.timeProvider,
	}
	e.sessions[key] = session

	return session, nil
}

// Session returns the live session for a file ID and direction.
func (e *Engine) Session(fileID uuid.UUID, direction Direction) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionKey{fileID: fileID, direction: direction}]
	return s, ok
}

// GetNextChunk reads chunk chunkIndex of an active sender session, applies
// the audio-aware compression policy, and builds the FileData packet. A nil
// packet with nil error is the end-of-file sentinel.
func (e *Engine) GetNextChunk(fileID uuid.UUID, chunkIndex uint32) (*protocol.FileDataPacket, error) {
	session, ok := e.Session(fileID, DirectionSending)
	if !ok {
		if _, receiving := e.Session(fileID, DirectionReceiving); receiving {
			return nil, fmt.Errorf("%w: %s is receiving", ErrWrongDirection, fileID)
		}
		return nil, fmt.Errorf("%w: no sender session for %s", ErrFileNotFound, fileID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	offset := int64(chunkIndex) * int64(session.ChunkSize)
	if offset >= session.TotalSize {
		return nil, nil
	}

	size := int64(session.ChunkSize)
	if remaining := session.TotalSize - offset; remaining < size {
		size = remaining
	}

	if _, err := session.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", session.FilePath, offset, err)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(session.file, raw); err != nil {
		return nil, fmt.Errorf("read chunk %d of %s: %w", chunkIndex, session.FilePath, err)
	}

	data, algorithm := protocol.CompressAudioChunk(raw, filepath.Ext(session.FilePath))

	packet := &protocol.FileDataPacket{
		FileID:      fileID,
		ChunkIndex:  chunkIndex,
		Offset:      offset,
		TotalChunks: session.TotalChunks(),
		Data:        data,
	}
	if algorithm != protocol.CompressionNone {
		originalSize := int32(len(raw))
		packet.OriginalSize = &originalSize
	}

	session.recordActivity(size)

	logrus.WithFields(logrus.Fields{
		"function":     "GetNextChunk",
		"file_id":      fileID,
		"chunk_index":  chunkIndex,
		"offset":       offset,
		"total_chunks": packet.TotalChunks,
		"compressed":   packet.OriginalSize != nil,
	}).Debug("Chunk prepared")

	return packet, nil
}

// ReceiveChunk decompresses (when needed) and writes one chunk of an
// active receiver session at its offset, then records the chunk index.
func (e *Engine) ReceiveChunk(packet *protocol.FileDataPacket) error {
	session, ok := e.Session(packet.FileID, DirectionReceiving)
	if !ok {
		if _, sending := e.Session(packet.FileID, DirectionSending); sending {
			return fmt.Errorf("%w: %s is sending", ErrWrongDirection, packet.FileID)
		}
		return fmt.Errorf("%w: no receiver session for %s", ErrFileNotFound, packet.FileID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	data := packet.Data
	if packet.OriginalSize != nil {
		decompressed, err := protocol.Decompress(data, protocol.CompressionZlib)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", protocol.ErrChecksumMismatch, packet.ChunkIndex, err)
		}
		if int32(len(decompressed)) != *packet.OriginalSize {
			return fmt.Errorf("%w: chunk %d decompressed to %d bytes, expected %d",
				protocol.ErrChecksumMismatch, packet.ChunkIndex, len(decompressed), *packet.OriginalSize)
		}
		data = decompressed
	}

	if _, err := session.file.Seek(packet.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s to %d: %w", session.FilePath, packet.Offset, err)
	}
	if _, err := session.file.Write(data); err != nil {
		return fmt.Errorf("write chunk %d of %s: %w", packet.ChunkIndex, session.FilePath, err)
	}

	session.received[packet.ChunkIndex] = struct{}{}
	session.recordActivity(int64(len(data)))

	logrus.WithFields(logrus.Fields{
		"function":    "ReceiveChunk",
		"file_id":     packet.FileID,
		"chunk_index": packet.ChunkIndex,
		"offset":      packet.Offset,
		"bytes":       len(data),
	}).Debug("Chunk stored")

	return nil
}

// CompleteTransfer closes the session's file handle and drops the session.
// Receiving sessions recompute the full-file SHA-256 first; on mismatch the
// partial file is removed and ErrChecksumMismatch surfaces to the caller.
func (e *Engine) CompleteTransfer(fileID uuid.UUID, direction Direction) error {
	e.mu.Lock()
	key := sessionKey{fileID: fileID, direction: direction}
	session, ok := e.sessions[key]
	if ok {
		delete(e.sessions, key)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no %s session for %s", ErrFileNotFound, direction, fileID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if err := session.file.Close(); err != nil && direction == DirectionSending {
		return fmt.Errorf("close %s: %w", session.FilePath, err)
	}

	if direction != DirectionReceiving {
		return nil
	}

	checksum, err := FileChecksum(session.FilePath)
	if err != nil {
		os.Remove(session.FilePath)
		return fmt.Errorf("verify %s: %w", session.FilePath, err)
	}
	if !bytes.Equal(checksum, session.Meta.Checksum) {
		os.Remove(session.FilePath)
		logrus.WithFields(logrus.Fields{
			"function":  "CompleteTransfer",
			"file_id":   fileID,
			"file_name": session.Meta.Path,
		}).Error("Full-file checksum mismatch, removed partial file")
		return fmt.Errorf("%w: %s failed full-file verification", protocol.ErrChecksumMismatch, session.Meta.Path)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "CompleteTransfer",
		"file_id":   fileID,
		"file_name": session.Meta.Path,
		"bytes":     session.transferred,
	}).Info("Transfer complete and verified")

	return nil
}

// MissingChunks returns the chunk indices a receiver session still lacks.
func (e *Engine) MissingChunks(fileID uuid.UUID) ([]uint32, error) {
	session, ok := e.Session(fileID, DirectionReceiving)
	if !ok {
		return nil, fmt.Errorf("%w: no receiver session for %s", ErrFileNotFound, fileID)
	}
	return session.MissingChunks(), nil
}

// AbortAll drops every live session. File handles close; partial receive
// files are removed, since the protocol has no durable resume.
func (e *Engine) AbortAll() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[sessionKey]*Session)
	e.mu.Unlock()

	for key, session := range sessions {
		session.mu.Lock()
		session.file.Close()
		if key.direction == DirectionReceiving {
			os.Remove(session.FilePath)
		}
		session.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":  "AbortAll",
			"file_id":   key.fileID,
			"direction": key.direction,
		}).Warn("Transfer session aborted")
	}
}
