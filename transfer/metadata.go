package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navicore/zim-sync/protocol"
)

// PrepareFile stats a file, computes its full-content SHA-256, assigns a
// fresh file ID, and builds the metadata offered to peers. Audio files get
// a best-effort metadata probe; probe failures are non-fatal.
func PrepareFile(path string) (protocol.FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.FileMetadata{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return protocol.FileMetadata{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return protocol.FileMetadata{}, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	checksum, err := FileChecksum(path)
	if err != nil {
		return protocol.FileMetadata{}, err
	}

	meta := protocol.FileMetadata{
		ID:         uuid.New(),
		Path:       filepath.Base(path),
		Size:       info.Size(),
		ModifiedAt: info.ModTime().UTC(),
		Checksum:   checksum,
		Audio:      ProbeAudio(path),
	}

	logrus.WithFields(logrus.Fields{
		"function":  "PrepareFile",
		"file_id":   meta.ID,
		"file_name": meta.Path,
		"file_size": meta.Size,
		"has_audio": meta.Audio != nil,
	}).Debug("Prepared file metadata")

	return meta, nil
}
