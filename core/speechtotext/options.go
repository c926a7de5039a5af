// Package speechtotext defines the request/response contract of transcription
// providers.
package speechtotext

import "github.com/koscakluka/ema-intake/core/audio"

// Transcription is the result of transcribing one utterance. Confidence is in
// [0, 1]; providers that do not report it return 1 for non-empty text.
type Transcription struct {
	Text       string
	Confidence float64
	Language   string
}

type TranscriptionOptions struct {
	EncodingInfo audio.EncodingInfo
	Language     string
	// Keyterms boost recognition of domain vocabulary.
	Keyterms []string
}

type TranscriptionOption func(*TranscriptionOptions)

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func WithLanguage(language string) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.Language = language }
}

func WithKeyterms(keyterms ...string) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.Keyterms = append(o.Keyterms, keyterms...) }
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...TranscriptionOption) TranscriptionOptions {
	options := TranscriptionOptions{EncodingInfo: audio.DefaultEncodingInfo(), Language: "en-US"}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
