// Package texttospeech defines the request/response contract of synthesis
// providers.
package texttospeech

import "github.com/koscakluka/ema-intake/core/audio"

type SynthesisOptions struct {
	EncodingInfo audio.EncodingInfo
	// Voice overrides the provider's configured voice.
	Voice string
}

type SynthesisOption func(*SynthesisOptions)

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesisOption {
	return func(o *SynthesisOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func WithVoice(voice string) SynthesisOption {
	return func(o *SynthesisOptions) { o.Voice = voice }
}

func NewOptions(opts ...SynthesisOption) SynthesisOptions {
	options := SynthesisOptions{EncodingInfo: audio.DefaultEncodingInfo()}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
