package deepgram

import (
	"fmt"

	"github.com/koscakluka/ema-intake/core/audio"
)

type encodingInfo struct {
	SampleRate int
	Format     string
}

func convertEncoding(encoding audio.EncodingInfo) (encodingInfo, error) {
	switch encoding.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
	default:
		return encodingInfo{}, fmt.Errorf("unsupported sample rate %d", encoding.SampleRate)
	}

	switch encoding.Format {
	case audio.FormatLinear16:
	case audio.FormatALaw, audio.FormatMulaw:
		if encoding.SampleRate != 8000 {
			return encodingInfo{}, fmt.Errorf("unsupported sample rate %d for %s encoding", encoding.SampleRate, encoding.Format)
		}
	default:
		return encodingInfo{}, fmt.Errorf("unsupported encoding %q", encoding.Format)
	}

	return encodingInfo{SampleRate: encoding.SampleRate, Format: encoding.Format.Name()}, nil
}
