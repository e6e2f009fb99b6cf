// Package audio converts raw agent audio frames into linear 16-bit PCM and
// wraps them in a RIFF/WAV container so each chunk is a self-contained,
// playable unit.
//
// Two source encodings are supported: 8-bit µ-law (G.711) and little-endian
// 16-bit PCM. Anything that is not µ-law is treated as PCM and reinterpreted
// directly. Malformed or empty frames produce no output rather than an
// invalid container.
package audio

import (
	"encoding/base64"
	"fmt"
)

// Format identifies the source encoding of an agent audio frame.
type Format string

const (
	// FormatULaw is 8-bit µ-law companded audio, one byte per sample.
	FormatULaw Format = "ulaw"

	// FormatPCM is little-endian signed 16-bit PCM, two bytes per sample.
	FormatPCM Format = "pcm"
)

// ulawSegments holds the per-exponent-segment offsets of the G.711 µ-law
// expansion: 8 segments, sign bit, 4-bit mantissa shifted by exponent+3.
var ulawSegments = [8]int16{0, 132, 396, 924, 1980, 4092, 8316, 16764}

// DecodeBase64 decodes a base64-encoded audio frame into linear PCM samples.
// format selects µ-law expansion; any other value is treated as [FormatPCM].
// An empty frame decodes to an empty sample slice without error.
func DecodeBase64(frame string, format Format) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64 frame: %w", err)
	}
	if format == FormatULaw {
		return DecodeULaw(raw), nil
	}
	return DecodePCM16LE(raw), nil
}

// DecodeULaw expands 8-bit µ-law bytes to linear 16-bit PCM samples.
func DecodeULaw(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = decodeULawSample(b)
	}
	return samples
}

// decodeULawSample expands one µ-law byte: complement, split into sign,
// 3-bit exponent segment and 4-bit mantissa, then offset per segment.
func decodeULawSample(b byte) int16 {
	mu := ^b
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0f
	value := int32(ulawSegments[exponent]) + int32(mantissa)<<(exponent+3)
	if sign != 0 {
		value = -value
	}
	return int16(value)
}

// DecodePCM16LE reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func DecodePCM16LE(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return samples
}

// TranscodeFrame decodes a base64-encoded frame and wraps the resulting
// samples in a mono WAV container at the given sample rate. It returns
// (nil, nil) when the frame decodes to zero samples: such frames are skipped,
// not errors.
func TranscodeFrame(frame string, format Format, sampleRate int) ([]byte, error) {
	samples, err := DecodeBase64(frame, format)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return EncodeWAV(samples, sampleRate, 1), nil
}
