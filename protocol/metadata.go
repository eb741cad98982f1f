package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the operating system family of a peer.
type Platform string

const (
	// PlatformMacOS identifies a macOS peer.
	PlatformMacOS Platform = "macOS"
	// PlatformIOS identifies an iOS peer.
	PlatformIOS Platform = "iOS"
	// PlatformIPadOS identifies an iPadOS peer.
	PlatformIPadOS Platform = "iPadOS"
	// PlatformLinux identifies a Linux peer.
	PlatformLinux Platform = "linux"
	// PlatformWindows identifies a Windows peer.
	PlatformWindows Platform = "windows"
)

// DeviceInfo describes a peer device. It is produced once at startup and
// never mutated afterwards.
type DeviceInfo struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Platform Platform  `json:"platform"`
	Version  string    `json:"version"`
}

// AudioMetadata carries optional audio properties of a shared file.
type AudioMetadata struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Format     string  `json:"format"`
}

// FileMetadata describes one shared file. The ID is assigned by the sender
// when the file is offered and is the handle used in all subsequent packets
// for this file. Checksum is the SHA-256 of the entire content; receivers
// recompute and compare it on completion.
type FileMetadata struct {
	ID         uuid.UUID      `json:"id"`
	Path       string         `json:"path"`
	Size       int64          `json:"size"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	Checksum   []byte         `json:"checksum"`
	Audio      *AudioMetadata `json:"audio,omitempty"`
}

// ValidBasename reports whether name is a plain basename safe to create
// under the inbound directory. Names containing path separators or ".."
// components are rejected to prevent directory traversal.
func ValidBasename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return !strings.Contains(name, "..")
}
