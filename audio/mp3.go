package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Source replays a recorded utterance as if it came from a microphone.
// After the recording ends it keeps producing silence, so the remote side
// can still detect the end of the utterance.
type MP3Source struct {
	Path       string
	SampleRate int
	// Paced delivers windows at real-time cadence instead of as fast as
	// they are read.
	Paced bool
}

func NewMP3Source(path string, sampleRate int, paced bool) *MP3Source {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &MP3Source{Path: path, SampleRate: sampleRate, Paced: paced}
}

func (s *MP3Source) Open(windowSize int) (Device, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.Path, err)
	}

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.Path, err)
	}

	samples := resample(downmix(pcm), decoder.SampleRate(), s.SampleRate)

	var pace time.Duration
	if s.Paced {
		pace = windowDuration(windowSize, s.SampleRate)
	}
	return newPCMDevice(samples, pace), nil
}

// downmix converts interleaved 16-bit stereo into mono samples.
func downmix(stereo []byte) []int16 {
	mono := make([]int16, len(stereo)/4)
	for i := range mono {
		l := int16(binary.LittleEndian.Uint16(stereo[i*4:]))
		r := int16(binary.LittleEndian.Uint16(stereo[i*4+2:]))
		mono[i] = int16((int32(l) + int32(r)) / 2)
	}
	return mono
}

// resample converts between rates with linear interpolation.
func resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

func windowDuration(windowSize, sampleRate int) time.Duration {
	return time.Duration(windowSize/2) * time.Second / time.Duration(sampleRate)
}

// pcmDevice serves fixed windows from decoded samples, then silence.
type pcmDevice struct {
	samples []int16
	pos     int
	ticker  *time.Ticker
}

func newPCMDevice(samples []int16, pace time.Duration) *pcmDevice {
	d := &pcmDevice{samples: samples}
	if pace > 0 {
		d.ticker = time.NewTicker(pace)
	}
	return d
}

func (d *pcmDevice) Read(p []byte) (int, error) {
	if d.ticker != nil {
		<-d.ticker.C
	}
	for i := 0; i+1 < len(p); i += 2 {
		var v int16
		if d.pos < len(d.samples) {
			v = d.samples[d.pos]
			d.pos++
		}
		binary.LittleEndian.PutUint16(p[i:], uint16(v))
	}
	return len(p) &^ 1, nil
}

func (d *pcmDevice) Close() error {
	if d.ticker != nil {
		d.ticker.Stop()
	}
	return nil
}
