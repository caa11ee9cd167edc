package tts

import "context"

// Synthesizer defines the interface for text-to-speech synthesis
type Synthesizer interface {
	// Synthesize streams 16-bit mono PCM for text into audioData and closes
	// it when done.
	Synthesize(ctx context.Context, text string, audioData chan<- []byte) error
	Close() error
}

// SynthesisOptions represents the configuration for speech synthesis
type SynthesisOptions struct {
	Voice      string
	Speed      float64
	Volume     float64
	Model      string
	SampleRate int
}

func GetDefaultSynthesisOptions() SynthesisOptions {
	return SynthesisOptions{
		Voice:      "marina",
		Speed:      1.0,
		Model:      "general",
		SampleRate: 16000,
	}
}
