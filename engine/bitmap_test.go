package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildBitmapPacking(t *testing.T) {
	received := map[uint32]struct{}{
		0: {}, 3: {}, 7: {}, 8: {}, 19: {},
	}

	bitmap := BuildBitmap(received, 20)

	assert.Len(t, bitmap, 3)
	assert.Equal(t, byte(0b10001001), bitmap[0])
	assert.Equal(t, byte(0b00000001), bitmap[1])
	assert.Equal(t, byte(0b00001000), bitmap[2])
}

func TestBuildBitmapIgnoresOutOfRange(t *testing.T) {
	received := map[uint32]struct{}{1: {}, 99: {}}

	bitmap := BuildBitmap(received, 4)

	assert.Equal(t, []byte{0b00000010}, bitmap)
}

func TestBuildBitmapZeroChunks(t *testing.T) {
	assert.Nil(t, BuildBitmap(nil, 0))
}

func TestBitmapChunksRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		received    []uint32
		totalChunks uint32
	}{
		{"empty", nil, 16},
		{"single", []uint32{5}, 16},
		{"sparse", []uint32{3, 7, 15}, 20},
		{"all", []uint32{0, 1, 2, 3, 4}, 5},
		{"byte boundary", []uint32{7, 8}, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(map[uint32]struct{})
			for _, index := range tt.received {
				received[index] = struct{}{}
			}

			chunks := BitmapChunks(BuildBitmap(received, tt.totalChunks), tt.totalChunks)

			if len(tt.received) == 0 {
				assert.Empty(t, chunks)
				return
			}
			assert.Equal(t, tt.received, chunks)
		})
	}
}

func TestBitmapChunksShortBitmap(t *testing.T) {
	// A truncated bitmap yields only the bits it actually carries.
	chunks := BitmapChunks([]byte{0xFF}, 32)

	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, chunks)
}
