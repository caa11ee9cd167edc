package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/d1nch8g/intentd/audio"
	"github.com/d1nch8g/intentd/stt"
)

var (
	// ErrClosed is returned when detection is started on a closed Detector.
	ErrClosed = errors.New("intent detector is closed")

	// ErrStreamNotReady terminates an attempt whose stream did not become
	// ready within Config.ReadyTimeout.
	ErrStreamNotReady = errors.New("recognition stream not ready in time")
)

// DefaultLanguageCode is used when Config.LanguageCode is empty.
const DefaultLanguageCode = "en-US"

// Config holds the per-detector stream settings echoed into the
// configuration frame of every attempt.
type Config struct {
	LanguageCode    string
	SampleRate      int
	WindowSize      int
	SessionID       string
	SingleUtterance bool

	// ReadyTimeout bounds how long the capture goroutine waits for the
	// stream. Zero waits until the stream is ready or stop is requested.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the reference configuration: 16kHz mono windows of
// 100ms, single utterance, no ready timeout.
func DefaultConfig() Config {
	return Config{
		LanguageCode:    DefaultLanguageCode,
		SampleRate:      audio.SampleRate,
		WindowSize:      audio.WindowSize,
		SingleUtterance: true,
	}
}

// State of the current detection attempt.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopRequested
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopRequested:
		return "stop_requested"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Detector binds a capture session to a recognition stream for each
// detection attempt and reports the stream's events to an Observer.
//
// StartIntentDetection may be called again once the previous attempt was
// asked to stop. Close releases the stt client for good.
type Detector struct {
	cfg      Config
	source   audio.Source
	client   stt.Client
	observer Observer
	logger   *log.Logger

	mu            sync.Mutex
	current       *attempt
	stopRequested bool
	closed        bool
}

// NewDetector creates a new intent detector. A nil observer discards events.
func NewDetector(cfg Config, source audio.Source, client stt.Client, observer Observer, logger *log.Logger) *Detector {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = DefaultLanguageCode
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = audio.WindowSize
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if observer == nil {
		observer = &ObserverFuncs{}
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Detector{
		cfg:      cfg,
		source:   source,
		client:   client,
		observer: observer,
		logger:   logger.WithPrefix("detector"),
	}
}

// StartIntentDetection starts a new attempt unless one is active and was not
// asked to stop. initializer, when set, customizes the fresh capture session
// before its loop starts; it runs under the detector lock and must not call
// back into the Detector.
func (d *Detector) StartIntentDetection(initializer func(*audio.CaptureSession)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if a := d.current; a != nil && !a.stopping {
		d.logger.Debug("intent detection is already running", "attempt", a.id)
		return nil
	}

	a := d.newAttempt()
	a.session.AddReceiver(&bridge{d: d, a: a})
	if initializer != nil {
		initializer(a.session)
	}

	d.stopRequested = false
	d.current = a

	if err := a.session.Start(); err != nil {
		d.current = nil
		return fmt.Errorf("failed to start intent detection: %w", err)
	}
	a.logger.Debug("intent detection started")
	return nil
}

// RequestStop asks the current attempt to stop capturing. onStopped runs once
// the capture loop has exited, or right away when nothing is running. While a
// stop is already pending the call does nothing and onStopped is not kept.
func (d *Detector) RequestStop(onStopped func()) {
	d.mu.Lock()
	a := d.current
	switch {
	case a == nil:
		d.mu.Unlock()
		if onStopped != nil {
			onStopped()
		}
		return
	case d.stopRequested:
		d.mu.Unlock()
		a.logger.Debug("stop already requested")
		return
	}
	d.stopRequested = true
	d.mu.Unlock()

	a.logger.Debug("intent detection stop requested")
	d.stopCapture(a, onStopped)
}

// IsStopRequested reports whether the running attempt was stopped through
// RequestStop. Stops caused by the stream itself do not count.
func (d *Detector) IsStopRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopRequested
}

func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isRunning()
}

// IsActive reports whether an attempt is running and was not asked to stop.
func (d *Detector) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isRunning() && !d.stopRequested
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	a := d.current
	switch {
	case a == nil:
		return StateIdle
	case a.draining:
		return StateDraining
	case a.stopping:
		return StateStopRequested
	case a.stream == nil:
		return StateStarting
	default:
		return StateStreaming
	}
}

// Close stops detection and releases the stt client. Only the first call
// closes the client; later calls return nil.
func (d *Detector) Close() error {
	d.mu.Lock()
	first := !d.closed
	d.closed = true
	d.mu.Unlock()

	// No attempt can start past this point, so this stop is final.
	d.RequestStop(nil)
	if !first {
		return nil
	}

	d.logger.Debug("closing stt client")
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("failed to close stt client: %w", err)
	}
	return nil
}

func (d *Detector) isRunning() bool {
	return d.current != nil && d.current.session.IsRunning()
}

// stopCapture marks a as stopping, wakes its waiting chunk and asks its
// capture loop to exit. It must be called without d.mu held.
func (d *Detector) stopCapture(a *attempt, onStopped func()) {
	d.mu.Lock()
	first := !a.stopping
	a.stopping = true
	a.ready.Broadcast()
	d.mu.Unlock()

	if first {
		a.logger.Debug("stopping capture")
		a.session.RequestStop(func() { d.markDraining(a) })
	}
	if onStopped != nil {
		a.session.RequestStop(onStopped)
	}
}

func (d *Detector) markDraining(a *attempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a.draining = true
	a.logger.Debug("capture stopped, draining")
}

// terminate reports whether the caller delivers the single terminal event
// of a.
func (d *Detector) terminate(a *attempt) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.terminated {
		return false
	}
	a.terminated = true
	a.stopTimer()
	return true
}

func (d *Detector) configFrame() stt.Frame {
	return stt.Frame{Config: &stt.StreamConfig{
		Encoding:        stt.EncodingLinear16,
		SampleRate:      d.cfg.SampleRate,
		LanguageCode:    d.cfg.LanguageCode,
		SingleUtterance: d.cfg.SingleUtterance,
		Session:         d.cfg.SessionID,
	}}
}
