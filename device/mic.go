package device

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/d1nch8g/intentd/audio"
)

// Mic captures 16-bit mono PCM from the default input device.
type Mic struct {
	sampleRate int
	logger     *log.Logger
}

var _ audio.Source = (*Mic)(nil)

func NewMic(sampleRate int, logger *log.Logger) *Mic {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Mic{
		sampleRate: sampleRate,
		logger:     logger.WithPrefix("mic"),
	}
}

// Open initializes PortAudio and starts a default input stream that yields
// windowSize bytes per read.
func (m *Mic) Open(windowSize int) (audio.Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	buf := make([]int16, windowSize/2)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	m.logger.Debug("input stream opened", "sampleRate", m.sampleRate, "frames", len(buf))
	return &micDevice{stream: stream, buf: buf}, nil
}

type micDevice struct {
	stream *portaudio.Stream
	buf    []int16
}

// Read blocks for one buffer. portaudio.InputOverflowed is reported like any
// other read error and the window is skipped.
func (d *micDevice) Read(p []byte) (int, error) {
	if err := d.stream.Read(); err != nil {
		return 0, fmt.Errorf("failed to read audio: %w", err)
	}

	n := min(len(d.buf), len(p)/2)
	for i, sample := range d.buf[:n] {
		binary.LittleEndian.PutUint16(p[2*i:], uint16(sample))
	}
	return 2 * n, nil
}

func (d *micDevice) Close() error {
	return errors.Join(
		d.stream.Stop(),
		d.stream.Close(),
		portaudio.Terminate(),
	)
}
