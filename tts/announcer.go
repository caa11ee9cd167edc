package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/d1nch8g/intentd/sound"
)

// Announcer speaks short phrases, one at a time.
type Announcer struct {
	synth  Synthesizer
	player sound.Player
	logger *log.Logger

	mu sync.Mutex
}

func NewAnnouncer(synth Synthesizer, player sound.Player, logger *log.Logger) *Announcer {
	if logger == nil {
		logger = log.Default()
	}
	return &Announcer{
		synth:  synth,
		player: player,
		logger: logger.WithPrefix("announcer"),
	}
}

// Announce synthesizes text and plays it, blocking until playback ends.
func (a *Announcer) Announce(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.player.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize player: %w", err)
	}
	defer a.player.Terminate()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	audioData := make(chan []byte, 16)
	synthErr := make(chan error, 1)
	go func() {
		synthErr <- a.synth.Synthesize(ctx, text, audioData)
	}()

	playErr := a.player.PlayStream(ctx, audioData)
	if playErr != nil {
		cancel()
	}
	err := errors.Join(<-synthErr, playErr)
	if err != nil {
		return fmt.Errorf("failed to announce %q: %w", text, err)
	}
	a.logger.Debug("announced", "text", text)
	return nil
}

func (a *Announcer) Close() error {
	return a.synth.Close()
}
