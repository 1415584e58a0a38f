package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVInfo describes the PCM payload of a RIFF/WAVE file.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// Data is the raw PCM payload of the data chunk.
	Data []byte
}

// DurationSeconds returns the play time of the PCM payload.
func (w WAVInfo) DurationSeconds() float64 {
	bytesPerSecond := w.SampleRate * w.Channels * w.BitsPerSample / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return float64(len(w.Data)) / float64(bytesPerSecond)
}

var errNotWAV = errors.New("audio: not a RIFF/WAVE file")

// ParseWAV reads the fmt and data chunks of a WAV file. Only uncompressed PCM
// (format tag 1) is accepted; other chunk types are skipped.
func ParseWAV(raw []byte) (WAVInfo, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return WAVInfo{}, errNotWAV
	}

	var info WAVInfo
	var haveFmt, haveData bool

	off := 12
	for off+8 <= len(raw) {
		chunkID := string(raw[off : off+4])
		chunkLen := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+chunkLen > len(raw) {
			chunkLen = len(raw) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return WAVInfo{}, fmt.Errorf("audio: short fmt chunk (%d bytes)", chunkLen)
			}
			formatTag := binary.LittleEndian.Uint16(raw[body : body+2])
			if formatTag != 1 {
				return WAVInfo{}, fmt.Errorf("audio: unsupported WAV format tag %d", formatTag)
			}
			info.Channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(raw[body+14 : body+16]))
			haveFmt = true
		case "data":
			info.Data = raw[body : body+chunkLen]
			haveData = true
		}

		// Chunks are word-aligned.
		off = body + chunkLen
		if chunkLen%2 == 1 {
			off++
		}
	}

	if !haveFmt || !haveData {
		return WAVInfo{}, fmt.Errorf("audio: incomplete WAV (fmt=%v data=%v)", haveFmt, haveData)
	}
	return info, nil
}
