package sound

import "context"

// Player defines the interface for audio playback
type Player interface {
	// Initialize initializes the audio playback system
	Initialize() error

	// Terminate terminates the audio playback system
	Terminate()

	// PlayStream plays 16-bit mono PCM chunks from a channel until it is
	// closed or ctx is done.
	PlayStream(ctx context.Context, audioData <-chan []byte) error
}
