package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/protocol"
	"github.com/navicore/zim-sync/transfer"
)

// Provider supplies the shared-file catalog and local path resolution.
type Provider interface {
	// List builds metadata for every shared file. It streams a full
	// SHA-256 per file, so callers should invoke it on demand, not on a
	// hot path.
	List() ([]protocol.FileMetadata, error)

	// SharedPath resolves a shared basename to its local absolute path.
	SharedPath(name string) string

	// InboundPath resolves where a received basename should be written.
	InboundPath(name string) string

	// AvailableSpace reports free bytes on the shared volume.
	AvailableSpace() int64
}

// DirProvider shares the immediate regular-file children of a single
// directory.
type DirProvider struct {
	dir     string
	inbound string
}

// NewDirProvider creates a provider sharing dir. Received files land in
// the same directory unless WithInboundDir overrides it.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir, inbound: dir}
}

// WithInboundDir redirects received files to a separate directory.
func (p *DirProvider) WithInboundDir(dir string) *DirProvider {
	p.inbound = dir
	return p
}

// List enumerates the shared directory non-recursively, skipping hidden
// entries and subdirectories, and prepares metadata for each regular file.
func (p *DirProvider) List() ([]protocol.FileMetadata, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read shared directory %s: %w", p.dir, err)
	}

	files := make([]protocol.FileMetadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}

		meta, err := transfer.PrepareFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "List",
				"file_name": entry.Name(),
				"error":     err.Error(),
			}).Warn("Skipping unreadable shared file")
			continue
		}
		files = append(files, meta)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "List",
		"directory":  p.dir,
		"file_count": len(files),
	}).Debug("Catalog refreshed")

	return files, nil
}

// SharedPath resolves a shared basename to its path under the shared
// directory.
func (p *DirProvider) SharedPath(name string) string {
	return filepath.Join(p.dir, name)
}

// InboundPath resolves where a received basename is written.
func (p *DirProvider) InboundPath(name string) string {
	return filepath.Join(p.inbound, name)
}

// AvailableSpace reports free bytes on the volume holding the shared
// directory. Probe failures report zero rather than failing the announce.
func (p *DirProvider) AvailableSpace() int64 {
	free, err := diskFree(p.dir)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "AvailableSpace",
			"directory": p.dir,
			"error":     err.Error(),
		}).Warn("Failed to probe free space")
		return 0
	}
	return free
}
