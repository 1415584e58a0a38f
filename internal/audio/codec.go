// Package audio turns the client's audio stream into PCM16 and feeds it to
// the selected speech-to-text provider, handling codec decode and the
// speech-profile calibration window.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Codec identifies the encoding of the client's audio stream.
type Codec string

const (
	CodecPCM8  Codec = "pcm8"
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

// Opus frame sizes in samples. Wearables send 10 ms frames at 16 kHz by
// default; the fs320 variant sends 20 ms frames.
const (
	opusFrameSize      = 160
	opusFrameSizeFS320 = 320
)

// ParseCodec normalizes a wire codec name. "opus_fs320" is plain Opus with a
// 320-sample frame. Unknown names are rejected.
func ParseCodec(name string) (Codec, int, error) {
	switch name {
	case "pcm8":
		return CodecPCM8, 0, nil
	case "pcm16":
		return CodecPCM16, 0, nil
	case "opus":
		return CodecOpus, opusFrameSize, nil
	case "opus_fs320":
		return CodecOpus, opusFrameSizeFS320, nil
	default:
		return "", 0, fmt.Errorf("audio: unknown codec %q", name)
	}
}

// opusDecoder wraps a gopus decoder for a single mono session stream. One
// decoder per session keeps decoder state correct across consecutive frames.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func newOpusDecoder(sampleRate, frameSize int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, frameSize: frameSize}, nil
}

// decode decodes an Opus packet into little-endian PCM16 bytes.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
