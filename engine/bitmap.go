package engine

// Selective-ACK bitmaps are packed little-endian bit-vectors over chunk
// indices: bit k lives at byte k/8, bit offset k%8. A set bit means the
// receiver has stored that chunk.

// BuildBitmap packs the received-chunk set into ⌈totalChunks/8⌉ bytes.
func BuildBitmap(received map[uint32]struct{}, totalChunks uint32) []byte {
	if totalChunks == 0 {
		return nil
	}

	bitmap := make([]byte, (totalChunks+7)/8)
	for index := range received {
		if index >= totalChunks {
			continue
		}
		bitmap[index/8] |= 1 << (index % 8)
	}
	return bitmap
}

// BitmapChunks lists the chunk indices whose bits are set, ascending.
func BitmapChunks(bitmap []byte, totalChunks uint32) []uint32 {
	chunks := make([]uint32, 0)
	for index := uint32(0); index < totalChunks; index++ {
		byteIndex := int(index / 8)
		if byteIndex >= len(bitmap) {
			break
		}
		if bitmap[byteIndex]&(1<<(index%8)) != 0 {
			chunks = append(chunks, index)
		}
	}
	return chunks
}
