package transfer

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/navicore/zim-sync/protocol"
)

// ProbeAudio extracts audio properties from a file when the format is one
// we can parse. Only RIFF/WAVE headers are probed today; other formats and
// unparsable files yield nil.
func ProbeAudio(path string) *protocol.AudioMetadata {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext != "wav" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	return probeWAV(f)
}

// probeWAV walks the RIFF chunk list looking for "fmt " and "data".
func probeWAV(r io.ReadSeeker) *protocol.AudioMetadata {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil
	}

	var (
		sampleRate uint32
		channels   uint16
		byteRate   uint32
		dataLen    uint32
		haveFmt    bool
		haveData   bool
	)

	for !(haveFmt && haveData) {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			break
		}
		chunkID := string(chunkHeader[0:4])
		chunkLen := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return nil
			}
			channels = binary.LittleEndian.Uint16(fmtChunk[2:4])
			sampleRate = binary.LittleEndian.Uint32(fmtChunk[4:8])
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			haveFmt = true
			if chunkLen > 16 {
				if _, err := r.Seek(int64(chunkLen-16), io.SeekCurrent); err != nil {
					return nil
				}
			}
		case "data":
			dataLen = chunkLen
			haveData = true
			if _, err := r.Seek(int64(chunkLen), io.SeekCurrent); err != nil {
				break
			}
		default:
			if _, err := r.Seek(int64(chunkLen), io.SeekCurrent); err != nil {
				return nil
			}
		}

		// RIFF chunks are word-aligned.
		if chunkLen%2 == 1 {
			if _, err := r.Seek(1, io.SeekCurrent); err != nil {
				break
			}
		}
	}

	if !haveFmt || byteRate == 0 {
		return nil
	}

	return &protocol.AudioMetadata{
		Duration:   float64(dataLen) / float64(byteRate),
		SampleRate: int(sampleRate),
		Channels:   int(channels),
		Format:     "wav",
	}
}
