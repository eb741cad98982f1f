package transfer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// hashBufferSize is the read buffer used for streaming file hashes.
const hashBufferSize = 1 << 20 // 1 MiB

// FileChecksum computes the SHA-256 of an entire file using a streaming
// read, so arbitrarily large files hash in constant memory.
func FileChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	return h.Sum(nil), nil
}
