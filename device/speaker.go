package device

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/d1nch8g/intentd/audio"
	"github.com/d1nch8g/intentd/sound"
)

// Speaker plays 16-bit mono PCM on the default output device.
type Speaker struct {
	sampleRate      int
	framesPerBuffer int
	logger          *log.Logger
}

var _ sound.Player = (*Speaker)(nil)

func NewSpeaker(sampleRate, framesPerBuffer int, logger *log.Logger) *Speaker {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = audio.WindowSize / 2
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Speaker{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		logger:          logger.WithPrefix("speaker"),
	}
}

func (s *Speaker) Initialize() error {
	return portaudio.Initialize()
}

func (s *Speaker) Terminate() {
	if err := portaudio.Terminate(); err != nil {
		s.logger.Error("failed to terminate PortAudio", "err", err)
	}
}

// PlayStream plays chunks until audioData is closed or ctx is done.
func (s *Speaker) PlayStream(ctx context.Context, audioData <-chan []byte) error {
	buf := make([]int16, s.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.sampleRate), len(buf), buf)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-audioData:
			if !ok {
				return nil
			}
			for len(chunk) > 0 {
				chunk = fill(buf, chunk)
				if err := stream.Write(); err != nil {
					s.logger.Error("failed to write audio", "err", err)
				}
			}
		}
	}
}

// fill copies little-endian samples from pcm into buf, zero-fills the rest
// and returns the bytes that did not fit.
func fill(buf []int16, pcm []byte) []byte {
	n := min(len(buf), len(pcm)/2)
	for i := range n {
		buf[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	clear(buf[n:])
	if n == 0 {
		return nil
	}
	return pcm[2*n:]
}
