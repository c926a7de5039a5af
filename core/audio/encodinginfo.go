// Package audio describes the raw audio carried over a live connection.
package audio

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultFormat     = FormatLinear16
)

type Format string

const (
	FormatMulaw    Format = "mulaw"
	FormatALaw     Format = "alaw"
	FormatLinear16 Format = "linear16"
)

// ParseFormat accepts the format names used in configuration.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatMulaw, FormatALaw, FormatLinear16:
		return f, nil
	case "pcm", "pcm16", "pcm_s16le":
		return FormatLinear16, nil
	}
	return "", fmt.Errorf("unsupported audio format %q", name)
}

func (f Format) Name() string { return string(f) }

// ByteSize is the size of a single sample, or -1 for unknown formats.
func (f Format) ByteSize() int {
	switch f {
	case FormatMulaw, FormatALaw:
		return 1
	case FormatLinear16:
		return 2
	}
	return -1
}

// EncodingInfo describes mono audio with a fixed sample rate.
type EncodingInfo struct {
	SampleRate int
	Format     Format
}

func DefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: DefaultFormat}
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format == ""
}

func (e EncodingInfo) BytesPerSecond() int {
	if size := e.Format.ByteSize(); size > 0 {
		return e.SampleRate * size
	}
	return 0
}

// Duration is the playback length of n bytes of audio.
func (e EncodingInfo) Duration(n int) time.Duration {
	bps := e.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case FormatALaw:
		return 0x55
	case FormatMulaw:
		return 0xFF
	}
	return 0
}
