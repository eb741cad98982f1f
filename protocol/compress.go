package protocol

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"
)

// CompressionType names a chunk compression algorithm on the wire.
type CompressionType string

const (
	// CompressionNone means the data is not compressed.
	CompressionNone CompressionType = "none"
	// CompressionZlib is DEFLATE with a zlib wrapper.
	CompressionZlib CompressionType = "zlib"
	// CompressionLZ4 is the LZ4 frame format.
	CompressionLZ4 CompressionType = "lz4"
	// CompressionLZMA is the raw LZMA stream format.
	CompressionLZMA CompressionType = "lzma"
)

// compressedExtensions lists audio container formats that are already
// compressed. Chunks of such files are never compressed again.
var compressedExtensions = map[string]struct{}{
	"mp3":  {},
	"m4a":  {},
	"aac":  {},
	"ogg":  {},
	"opus": {},
	"flac": {},
}

// audioCompressionThreshold is the fraction of the input size a zlib result
// must stay under for compression to be worth carrying on the wire.
const audioCompressionThreshold = 0.9

// Compress compresses data with the given algorithm. Compression is
// transparent: when the compressed form is not strictly smaller than the
// input, the input is returned unchanged with CompressionNone.
func Compress(data []byte, algorithm CompressionType) ([]byte, CompressionType, error) {
	if algorithm == CompressionNone || len(data) == 0 {
		return data, CompressionNone, nil
	}

	var buf bytes.Buffer
	w, err := compressionWriter(&buf, algorithm)
	if err != nil {
		return nil, CompressionNone, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, CompressionNone, fmt.Errorf("compress %s: %w", algorithm, err)
	}
	if err := w.Close(); err != nil {
		return nil, CompressionNone, fmt.Errorf("compress %s: %w", algorithm, err)
	}

	if buf.Len() >= len(data) {
		return data, CompressionNone, nil
	}
	return buf.Bytes(), algorithm, nil
}

// Decompress reverses Compress for the given algorithm.
func Decompress(data []byte, algorithm CompressionType) ([]byte, error) {
	if algorithm == CompressionNone {
		return data, nil
	}

	r, err := compressionReader(bytes.NewReader(data), algorithm)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", algorithm, err)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", algorithm, err)
	}
	return out, nil
}

// compressionWriter returns a writer that compresses into dst.
func compressionWriter(dst *bytes.Buffer, algorithm CompressionType) (io.WriteCloser, error) {
	switch algorithm {
	case CompressionZlib:
		return zlib.NewWriter(dst), nil
	case CompressionLZ4:
		return lz4.NewWriter(dst), nil
	case CompressionLZMA:
		w, err := lzma.NewWriter(dst)
		if err != nil {
			return nil, fmt.Errorf("compress lzma: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

// compressionReader returns a reader that decompresses from src.
func compressionReader(src io.Reader, algorithm CompressionType) (io.Reader, error) {
	switch algorithm {
	case CompressionZlib:
		return zlib.NewReader(src)
	case CompressionLZ4:
		return lz4.NewReader(src), nil
	case CompressionLZMA:
		return lzma.NewReader(src)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

// CompressAudioChunk applies the audio-aware compression policy to a file
// chunk. Chunks of already-compressed audio formats pass through untouched.
// Anything else is zlib-compressed, and the result is kept only when it
// saves more than ten percent.
func CompressAudioChunk(data []byte, extension string) ([]byte, CompressionType) {
	ext := strings.ToLower(strings.TrimPrefix(extension, "."))
	if _, already := compressedExtensions[ext]; already {
		return data, CompressionNone
	}

	compressed, algorithm, err := Compress(data, CompressionZlib)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "CompressAudioChunk",
			"extension": ext,
			"error":     err.Error(),
		}).Warn("Compression failed, sending chunk uncompressed")
		return data, CompressionNone
	}
	if algorithm == CompressionNone {
		return data, CompressionNone
	}

	if float64(len(compressed)) >= audioCompressionThreshold*float64(len(data)) {
		return data, CompressionNone
	}
	return compressed, CompressionZlib
}
