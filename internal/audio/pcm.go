// Package audio decodes the base64 PCM produced by speech synthesis.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	SampleRate    = 24000
	Channels      = 1
	BitsPerSample = 16
)

var (
	ErrEmptyPayload = errors.New("empty audio payload")
	ErrOddLength    = errors.New("audio payload is not whole 16-bit samples")
)

// DecodePCM returns the raw little-endian 16-bit PCM bytes of a base64 payload.
func DecodePCM(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode audio base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(raw)%2 != 0 {
		return nil, ErrOddLength
	}
	return raw, nil
}

// Validate reports whether b64 is playable PCM16.
func Validate(b64 string) error {
	_, err := DecodePCM(b64)
	return err
}

// Samples converts a payload to float samples in [-1, 1).
func Samples(b64 string) ([]float32, error) {
	raw, err := DecodePCM(b64)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// Duration returns the playback length in milliseconds.
func Duration(pcm []byte) int64 {
	return int64(len(pcm)/2) * 1000 / SampleRate
}
