package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compressibleData returns data with heavy repetition that every supported
// algorithm can shrink.
func compressibleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 7)
	}
	return data
}

// incompressibleData returns pseudorandom data that does not shrink.
func incompressibleData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func TestCompressRoundTrip(t *testing.T) {
	algorithms := []CompressionType{CompressionZlib, CompressionLZ4, CompressionLZMA}
	input := compressibleData(8192)

	for _, algorithm := range algorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			compressed, applied, err := Compress(input, algorithm)
			require.NoError(t, err)
			require.Equal(t, algorithm, applied)
			require.Less(t, len(compressed), len(input))

			restored, err := Decompress(compressed, applied)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(input, restored))
		})
	}
}

func TestCompressIsTransparentOnIncompressibleInput(t *testing.T) {
	input := incompressibleData(4096)

	compressed, applied, err := Compress(input, CompressionZlib)
	require.NoError(t, err)

	assert.Equal(t, CompressionNone, applied)
	assert.True(t, bytes.Equal(input, compressed), "input must pass through unchanged")

	// The no-op sentinel round-trips through Decompress as well.
	restored, err := Decompress(compressed, applied)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(input, restored))
}

func TestCompressNoneIsIdentity(t *testing.T) {
	input := []byte("as is")
	out, applied, err := Compress(input, CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, applied)
	assert.True(t, bytes.Equal(input, out))
}

func TestCompressUnknownAlgorithm(t *testing.T) {
	_, _, err := Compress([]byte("x"), CompressionType("zstd"))
	assert.Error(t, err)

	_, err = Decompress([]byte("x"), CompressionType("zstd"))
	assert.Error(t, err)
}

func TestCompressAudioChunkSkipsCompressedFormats(t *testing.T) {
	input := compressibleData(32768)

	for _, ext := range []string{"mp3", "M4A", ".aac", "ogg", "OPUS", ".FLAC"} {
		out, algorithm := CompressAudioChunk(input, ext)
		assert.Equal(t, CompressionNone, algorithm, "extension %q", ext)
		assert.True(t, bytes.Equal(input, out), "extension %q", ext)
	}
}

func TestCompressAudioChunkCompressesRawAudio(t *testing.T) {
	input := compressibleData(32768)

	out, algorithm := CompressAudioChunk(input, "wav")
	require.Equal(t, CompressionZlib, algorithm)
	assert.Less(t, len(out), len(input)*9/10, "compression kept only when it saves more than 10%")

	restored, err := Decompress(out, algorithm)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(input, restored))
}

func TestCompressAudioChunkRejectsMarginalGain(t *testing.T) {
	// Random bytes do not reach the 10% saving threshold.
	input := incompressibleData(32768)

	out, algorithm := CompressAudioChunk(input, "wav")
	assert.Equal(t, CompressionNone, algorithm)
	assert.True(t, bytes.Equal(input, out))
}

func TestValidBasename(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{name: "plain file", path: "note.wav", want: true},
		{name: "dotted name", path: "mix.final.flac", want: true},
		{name: "empty", path: "", want: false},
		{name: "dot", path: ".", want: false},
		{name: "dotdot", path: "..", want: false},
		{name: "traversal prefix", path: "../secrets", want: false},
		{name: "separator", path: "a/b.wav", want: false},
		{name: "windows separator", path: `a\b.wav`, want: false},
		{name: "embedded dotdot", path: "a..b", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidBasename(tt.path))
		})
	}
}
