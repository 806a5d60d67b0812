// Package codec converts carrier audio frames between the G.711 mu-law
// encoding used on phone lines and the linear PCM formats providers accept.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// Format names an audio encoding as providers spell it.
type Format string

const (
	FormatMuLaw8k Format = "ulaw_8000"
	FormatPCM16k  Format = "pcm_16000"
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// SampleRate returns the sample rate of f.
func (f Format) SampleRate() int {
	switch f {
	case FormatPCM16k:
		return 16000
	default:
		return 8000
	}
}

// ParseFormat accepts the provider spelling of a format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ulaw_8000", "mulaw", "g711_ulaw":
		return FormatMuLaw8k, nil
	case "pcm_16000", "pcm16":
		return FormatPCM16k, nil
	default:
		return "", fmt.Errorf("codec: unsupported audio format %q", s)
	}
}

// DecodeMuLawSample expands one mu-law byte to a 16-bit linear sample.
func DecodeMuLawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeMuLawSample compresses a 16-bit linear sample to mu-law.
func EncodeMuLawSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias
	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawToPCM16 decodes mu-law bytes to little-endian PCM16 samples.
func MuLawToPCM16(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = DecodeMuLawSample(b)
	}
	return out
}

// PCM16ToMuLaw encodes linear samples to mu-law bytes.
func PCM16ToMuLaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = EncodeMuLawSample(s)
	}
	return out
}

// Upsample2x doubles the sample rate with linear interpolation (8k -> 16k).
func Upsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, 0, len(in)*2)
	for i, s := range in {
		out = append(out, s)
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		out = append(out, int16((int32(s)+int32(next))/2))
	}
	return out
}

// Downsample2x halves the sample rate by averaging sample pairs (16k -> 8k).
func Downsample2x(in []int16) []int16 {
	out := make([]int16, 0, (len(in)+1)/2)
	for i := 0; i < len(in); i += 2 {
		if i+1 < len(in) {
			out = append(out, int16((int32(in[i])+int32(in[i+1]))/2))
			continue
		}
		out = append(out, in[i])
	}
	return out
}

// PCMBytes serializes samples as little-endian bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMSamples parses little-endian bytes; a trailing odd byte is ignored.
func PCMSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Convert re-encodes raw audio bytes from one format to another.
func Convert(in []byte, from, to Format) []byte {
	if from == to {
		return in
	}
	switch {
	case from == FormatMuLaw8k && to == FormatPCM16k:
		return PCMBytes(Upsample2x(MuLawToPCM16(in)))
	case from == FormatPCM16k && to == FormatMuLaw8k:
		return PCM16ToMuLaw(Downsample2x(PCMSamples(in)))
	default:
		return in
	}
}

// DecodePayload decodes a base64 carrier media payload.
func DecodePayload(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: decode payload: %w", err)
	}
	return b, nil
}

// EncodePayload base64-encodes raw audio for the carrier or a provider.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
