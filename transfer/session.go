package transfer

import (
	"os"
	"sync"
	"time"

	"github.com/navicore/zim-sync/protocol"
)

// Direction indicates whether a session sends or receives file content.
type Direction uint8

const (
	// DirectionSending represents a file being served to a peer.
	DirectionSending Direction = iota
	// DirectionReceiving represents a file being stored from a peer.
	DirectionReceiving
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	if d == DirectionSending {
		return "sending"
	}
	return "receiving"
}

// DefaultChunkSize is the chunk size used when a request does not name one.
const DefaultChunkSize int32 = 32768

// MaxChunkSize is the largest raw chunk whose framed FileData packet still
// fits a single datagram after base64 and JSON framing expansion.
const MaxChunkSize int32 = 48000

// DefaultStallTimeout is how long a running transfer may go without chunk
// activity before IsStalled reports true. Zero disables stall detection.
const DefaultStallTimeout = 30 * time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Session is the per-file, per-direction state of one in-flight transfer.
// The engine owns the registry of live sessions; a session owns its file
// handle.
type Session struct {
	Meta      protocol.FileMetadata
	FilePath  string
	TotalSize int64
	ChunkSize int32
	Direction Direction
	StartTime time.Time

	mu            sync.Mutex
	file          *os.File
	received      map[uint32]struct{}
	transferred   int64
	lastChunkTime time.Time
	transferSpeed float64
	stallTimeout  time.Duration
	timeProvider  TimeProvider

	progressCallback func(transferred int64)
}

// TotalChunks returns ⌈TotalSize / ChunkSize⌉.
func (s *Session) TotalChunks() uint32 {
	if s.TotalSize <= 0 || s.ChunkSize <= 0 {
		return 0
	}
	return uint32((s.TotalSize + int64(s.ChunkSize) - 1) / int64(s.ChunkSize))
}

// OnProgress registers a callback invoked after every chunk with the total
// bytes moved so far. Safe for concurrent use.
func (s *Session) OnProgress(callback func(int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCallback = callback
}

// Transferred returns the bytes moved so far.
func (s *Session) Transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// Progress returns completion as a percentage.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalSize == 0 {
		return 0
	}
	return float64(s.transferred) / float64(s.TotalSize) * 100
}

// Speed returns the smoothed transfer speed in bytes per second.
func (s *Session) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferSpeed
}

// SetStallTimeout configures stall detection. Zero disables it.
func (s *Session) SetStallTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallTimeout = timeout
}

// IsStalled reports whether no chunk activity happened within the stall
// timeout. Retransmit cadence is left to callers; this is the hook they
// poll.
func (s *Session) IsStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stallTimeout == 0 {
		return false
	}
	return s.timeProvider.Since(s.lastChunkTime) >= s.stallTimeout
}

// ReceivedChunks returns a copy of the set of chunk indices stored so far.
// Only meaningful on receiving sessions.
func (s *Session) ReceivedChunks() map[uint32]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]struct{}, len(s.received))
	for k := range s.received {
		out[k] = struct{}{}
	}
	return out
}

// MissingChunks returns the ascending complement of the received set over
// [0, TotalChunks). It drives selective retransmit.
func (s *Session) MissingChunks() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.TotalChunks()
	missing := make([]uint32, 0)
	for i := uint32(0); i < total; i++ {
		if _, ok := s.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// recordActivity updates progress and the speed moving average. Callers
// must hold s.mu.
func (s *Session) recordActivity(n int64) {
	s.transferred += n

	now := s.timeProvider.Now()
	elapsed := s.timeProvider.Since(s.lastChunkTime).Seconds()
	if elapsed > 0 {
		instant := float64(n) / elapsed
		if s.transferSpeed == 0 {
			s.transferSpeed = instant
		} else {
			// Exponential moving average, alpha = 0.3.
			s.transferSpeed = 0.7*s.transferSpeed + 0.3*instant
		}
	}
	s.lastChunkTime = now

	if s.progressCallback != nil {
		s.progressCallback(s.transferred)
	}
}
