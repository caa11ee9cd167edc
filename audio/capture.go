package audio

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// readErrorBurst is the number of consecutive read failures tolerated
	// before the loop starts pausing between reads.
	readErrorBurst = 5

	// readErrorBackoff is the pause after a read failure past the burst.
	readErrorBackoff = 50 * time.Millisecond
)

// State is the lifecycle of a CaptureSession.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CaptureSession runs one capture loop and fans every window out to its
// receivers. A session runs at most once; create a new one per attempt.
type CaptureSession struct {
	source     Source
	windowSize int
	logger     *log.Logger
	backoff    time.Duration

	state atomic.Int32
	done  chan struct{}

	mu        sync.Mutex
	receivers []Receiver
	onStopped []func()
}

func NewCaptureSession(source Source, windowSize int, logger *log.Logger) *CaptureSession {
	if windowSize <= 0 {
		windowSize = WindowSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CaptureSession{
		source:     source,
		windowSize: windowSize,
		logger:     logger.WithPrefix("capture"),
		backoff:    readErrorBackoff,
		done:       make(chan struct{}),
	}
}

// AddReceiver appends r. It takes effect from the next dispatch.
func (s *CaptureSession) AddReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers = append(s.receivers, r)
}

// RemoveReceiver removes the first occurrence of r.
func (s *CaptureSession) RemoveReceiver(r Receiver) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.receivers, r)
	if i < 0 {
		return false
	}
	s.receivers = slices.Delete(s.receivers, i, i+1)
	return true
}

// Start opens the device and launches the capture loop. Device failures are
// returned; calling Start on a session that already ran is a logged no-op.
func (s *CaptureSession) Start() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.logger.Warn("redundant request to start audio capture", "state", s.State())
		return nil
	}

	dev, err := s.source.Open(s.windowSize)
	if err != nil {
		// A stop may have been queued while the device was opening.
		for _, cb := range s.markStopped() {
			cb()
		}
		close(s.done)
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}

	go s.run(dev)
	return nil
}

// RequestStop asks the loop to exit after the current window. onStopped runs
// on the capture goroutine once the device is released, or immediately on
// the caller's goroutine if the loop is not active.
func (s *CaptureSession) RequestStop(onStopped func()) {
	s.logger.Debug("audio capture stop requested")

	s.mu.Lock()
	active := s.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested)) ||
		s.State() == StateStopRequested
	if active && onStopped != nil {
		s.onStopped = append(s.onStopped, onStopped)
	}
	s.mu.Unlock()

	if !active && onStopped != nil {
		onStopped()
	}
}

// IsRunning reports whether the loop is alive, including while it winds down.
func (s *CaptureSession) IsRunning() bool {
	st := s.State()
	return st == StateRunning || st == StateStopRequested
}

func (s *CaptureSession) IsStopRequested() bool {
	return s.State() == StateStopRequested
}

func (s *CaptureSession) State() State {
	return State(s.state.Load())
}

// Done is closed once the loop has exited and all receivers were notified.
func (s *CaptureSession) Done() <-chan struct{} {
	return s.done
}

func (s *CaptureSession) snapshot() []Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.receivers)
}

// markStopped moves the session to Stopped and hands back the queued stop
// callbacks.
func (s *CaptureSession) markStopped() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Store(int32(StateStopped))
	callbacks := s.onStopped
	s.onStopped = nil
	return callbacks
}

// readFailed logs a failed read. Past readErrorBurst consecutive failures it
// logs once per burst and pauses, so a lost device does not spin the loop.
func (s *CaptureSession) readFailed(failures int, err error) {
	if failures <= readErrorBurst {
		s.logger.Error("audio capture read failed", "err", err)
		return
	}
	if failures%readErrorBurst == 0 {
		s.logger.Error("audio capture keeps failing", "err", err, "failedReads", failures)
	}
	time.Sleep(s.backoff)
}

func (s *CaptureSession) run(dev Device) {
	defer close(s.done)

	raisePriority(s.logger)

	buf := make([]byte, s.windowSize)

	s.logger.Debug("recording started")
	for _, r := range s.snapshot() {
		r.OnRecordingStarted()
	}

	var (
		bytesRead int64
		failures  int
	)
	for !s.IsStopRequested() {
		n, err := dev.Read(buf)
		if err != nil {
			failures++
			s.readFailed(failures, err)
			continue
		}
		if failures > readErrorBurst {
			s.logger.Info("audio capture recovered", "failedReads", failures)
		}
		failures = 0
		bytesRead += int64(n)

		if s.IsStopRequested() {
			break
		}
		for _, r := range s.snapshot() {
			r.OnDataReceived(buf[:n])
		}
	}

	if err := dev.Close(); err != nil {
		s.logger.Error("failed to close audio device", "err", err)
	}
	s.logger.Debug("recording stopped", "bytesRead", bytesRead)

	for _, cb := range s.markStopped() {
		cb()
	}
	for _, r := range s.snapshot() {
		r.OnRecordingStopped()
	}
}
