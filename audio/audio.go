package audio

import "errors"

const (
	// SampleRate is the reference capture rate in Hz.
	SampleRate = 16000

	// WindowSize is 100ms of 16-bit mono PCM at SampleRate.
	WindowSize = SampleRate / 10 * 2
)

// ErrDevice is returned when a capture device cannot be opened.
var ErrDevice = errors.New("audio device initialization failed")

// Source opens capture devices producing 16-bit mono PCM.
type Source interface {
	// Open prepares a device that yields windowSize bytes per Read.
	Open(windowSize int) (Device, error)
}

// Device is an opened capture device.
type Device interface {
	// Read blocks until one window of audio is available.
	// Errors are transient: the caller may keep reading.
	Read(p []byte) (int, error)

	// Close releases the device.
	Close() error
}

// Receiver is notified synchronously from the capture goroutine.
//
// OnDataReceived must not retain chunk after it returns and must not block,
// because any delay stalls the capture cadence.
type Receiver interface {
	OnRecordingStarted()
	OnDataReceived(chunk []byte)
	OnRecordingStopped()
}

// ReceiverFuncs adapts plain functions to Receiver. Nil fields are skipped.
// Use it by pointer so RemoveReceiver can find it again.
type ReceiverFuncs struct {
	Started func()
	Data    func(chunk []byte)
	Stopped func()
}

func (f *ReceiverFuncs) OnRecordingStarted() {
	if f.Started != nil {
		f.Started()
	}
}

func (f *ReceiverFuncs) OnDataReceived(chunk []byte) {
	if f.Data != nil {
		f.Data(chunk)
	}
}

func (f *ReceiverFuncs) OnRecordingStopped() {
	if f.Stopped != nil {
		f.Stopped()
	}
}
