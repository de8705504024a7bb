// Package speech provides speech synthesis with provider fallback, speech
// recognition and speech-service token issuance.
package speech

import (
	"context"
	"errors"
)

// Synthesizer is the interface for text-to-speech providers.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio bytes.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error)
}

// SynthesizeOptions configures one synthesis call.
type SynthesizeOptions struct {
	Speaker string  // Preset speaker id; ignored when Reference is set
	Speed   float64 // Speed multiplier (0.5-2.0); zero means 1.0
	// Reference is reference audio for voice cloning. Providers without
	// cloning support ignore it.
	Reference []byte
}

// Enabler is implemented by providers that can be switched off.
type Enabler interface {
	Enabled() bool
}

// ErrDisabled is returned by a provider that is switched off by config.
var ErrDisabled = errors.New("speech provider disabled")

// ErrRecognition is returned when audio cannot be transcribed.
var ErrRecognition = errors.New("speech recognition failed")
