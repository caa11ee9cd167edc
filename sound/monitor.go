package sound

import (
	"bytes"
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/d1nch8g/intentd/audio"
)

// DefaultQueueSize holds two seconds of 100ms windows.
const DefaultQueueSize = 20

// Monitor plays back what a capture session records. Chunks are queued
// without blocking the capture loop; when playback falls behind the newest
// chunks are dropped.
type Monitor struct {
	player    Player
	queueSize int
	logger    *log.Logger

	mu      sync.Mutex
	queue   chan []byte
	dropped int
	done    chan struct{}
}

var _ audio.Receiver = (*Monitor)(nil)

func NewMonitor(player Player, queueSize int, logger *log.Logger) *Monitor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Monitor{
		player:    player,
		queueSize: queueSize,
		logger:    logger.WithPrefix("monitor"),
		done:      done,
	}
}

func (m *Monitor) OnRecordingStarted() {
	if err := m.player.Initialize(); err != nil {
		m.logger.Error("failed to initialize player", "err", err)
		return
	}

	queue := make(chan []byte, m.queueSize)
	done := make(chan struct{})

	m.mu.Lock()
	m.queue = queue
	m.dropped = 0
	m.done = done
	m.mu.Unlock()

	go m.play(queue, done)
}

func (m *Monitor) OnDataReceived(chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue == nil {
		return
	}
	select {
	case m.queue <- bytes.Clone(chunk):
	default:
		m.dropped++
	}
}

func (m *Monitor) OnRecordingStopped() {
	m.mu.Lock()
	queue, dropped := m.queue, m.dropped
	m.queue = nil
	m.mu.Unlock()

	if queue == nil {
		return
	}
	close(queue)
	if dropped > 0 {
		m.logger.Warn("playback fell behind", "dropped", dropped)
	}
}

// Done is closed once playback of the last recording finished.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Monitor) play(queue <-chan []byte, done chan struct{}) {
	defer close(done)
	defer m.player.Terminate()

	if err := m.player.PlayStream(context.Background(), queue); err != nil {
		m.logger.Error("playback failed", "err", err)
		for range queue {
		}
	}
}
