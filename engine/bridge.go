package engine

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/d1nch8g/intentd/audio"
	"github.com/d1nch8g/intentd/stt"
)

// attempt is the state of one detection attempt. Fields below ready are
// guarded by Detector.mu.
type attempt struct {
	id      string
	session *audio.CaptureSession
	logger  *log.Logger
	ready   *sync.Cond

	stream     stt.Stream
	controller stt.Controller
	timer      *time.Timer

	started        bool
	stopping       bool
	draining       bool
	captureStopped bool
	sendClosed     bool
	expired        bool
	terminated     bool
}

func (d *Detector) newAttempt() *attempt {
	id := uuid.NewString()
	logger := d.logger.With("attempt", id)
	return &attempt{
		id:      id,
		session: audio.NewCaptureSession(d.source, d.cfg.WindowSize, logger),
		logger:  logger,
		ready:   sync.NewCond(&d.mu),
	}
}

func (a *attempt) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

// bridge forwards captured windows of one attempt into its stream.
type bridge struct {
	d *Detector
	a *attempt
}

func (b *bridge) OnRecordingStarted() {
	b.a.logger.Debug("opening recognition stream")
	b.d.client.OpenStream(&listener{d: b.d, a: b.a})
}

// OnDataReceived blocks the capture goroutine until the stream is ready.
func (b *bridge) OnDataReceived(chunk []byte) {
	stream, expired := b.awaitStream()
	if expired {
		b.d.expire(b.a)
		return
	}
	if stream == nil {
		return
	}

	if err := stream.Send(stt.Frame{Audio: chunk}); err != nil {
		b.a.logger.Error("failed to send audio chunk", "err", err)
	}
}

func (b *bridge) OnRecordingStopped() {
	d, a := b.d, b.a

	d.mu.Lock()
	a.captureStopped = true
	a.stopTimer()
	stream := a.stream
	a.stream = nil
	if a.sendClosed {
		stream = nil
	} else if stream != nil {
		a.sendClosed = true
	}
	if d.current == a {
		d.current = nil
	}
	d.mu.Unlock()

	if stream == nil {
		a.logger.Debug("capture stopped without a ready stream")
		return
	}
	a.logger.Debug("closing send side of recognition stream")
	if err := stream.CloseSend(); err != nil {
		a.logger.Error("failed to close recognition stream", "err", err)
	}
}

// awaitStream returns the stream to send the current chunk to, or nil when
// the chunk must be dropped. expired is set once the ready timeout fired.
func (b *bridge) awaitStream() (stream stt.Stream, expired bool) {
	d, a := b.d, b.a

	d.mu.Lock()
	defer d.mu.Unlock()

	if a.stopping {
		a.logger.Debug("audio chunk dropped, stop requested")
		return nil, false
	}

	if a.stream == nil {
		a.logger.Debug("waiting for recognition stream")
		d.armReadyTimeout(a)
		for a.stream == nil && !a.stopping && !a.expired {
			a.ready.Wait()
		}
	}

	switch {
	case a.stream != nil:
		return a.stream, false
	case a.expired:
		return nil, true
	default:
		a.logger.Debug("audio chunk dropped, stop requested while waiting")
		return nil, false
	}
}

// armReadyTimeout starts the ready timer of a once. Requires d.mu.
func (d *Detector) armReadyTimeout(a *attempt) {
	if d.cfg.ReadyTimeout <= 0 || a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(d.cfg.ReadyTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if a.stream == nil && !a.captureStopped {
			a.expired = true
		}
		a.ready.Broadcast()
	})
}

// expire ends an attempt whose stream never became ready.
func (d *Detector) expire(a *attempt) {
	a.logger.Warn("recognition stream not ready, giving up", "timeout", d.cfg.ReadyTimeout)

	terminal := d.terminate(a)
	d.stopCapture(a, nil)

	d.mu.Lock()
	c := a.controller
	d.mu.Unlock()
	if c != nil {
		c.Cancel()
	}

	if terminal {
		d.observer.OnError(d, ErrStreamNotReady)
	}
}

// listener turns stream events of one attempt into observer calls.
type listener struct {
	d *Detector
	a *attempt
}

func (l *listener) OnStart(c stt.Controller) {
	d, a := l.d, l.a

	d.mu.Lock()
	if a.started || a.terminated {
		terminated := a.terminated
		d.mu.Unlock()
		a.logger.Debug("stream start ignored", "terminated", terminated)
		if terminated && c != nil {
			c.Cancel()
		}
		return
	}
	a.started = true
	a.controller = c
	d.mu.Unlock()

	a.logger.Debug("recognition stream started")
	d.observer.OnStart(d, c)
}

// OnReady sends the configuration frame and only then publishes s to the
// capture goroutine.
func (l *listener) OnReady(s stt.Stream) {
	d, a := l.d, l.a

	if l.closeIfStopped(s) {
		return
	}

	if err := s.Send(d.configFrame()); err != nil {
		a.logger.Error("failed to send stream configuration", "err", err)
	}

	d.mu.Lock()
	if !a.captureStopped {
		a.stream = s
		a.stopTimer()
		a.ready.Signal()
		d.mu.Unlock()
		a.logger.Debug("recognition stream ready")
		return
	}
	d.mu.Unlock()

	l.closeIfStopped(s)
}

// closeIfStopped closes s right away when capture already ended.
func (l *listener) closeIfStopped(s stt.Stream) bool {
	d, a := l.d, l.a

	d.mu.Lock()
	if !a.captureStopped {
		d.mu.Unlock()
		return false
	}
	a.sendClosed = true
	d.mu.Unlock()

	a.logger.Debug("stream ready after capture stopped, closing")
	if err := s.CloseSend(); err != nil {
		a.logger.Error("failed to close recognition stream", "err", err)
	}
	return true
}

func (l *listener) OnResponse(r *stt.Response) {
	d, a := l.d, l.a

	if l.finished() {
		a.logger.Debug("response after terminal event ignored")
		return
	}

	d.observer.OnResponse(d, r)

	switch {
	case r == nil:
		a.logger.Debug("empty response")
	case r.Intent != "":
		a.logger.Debug("intent detected", "intent", r.Intent, "confidence", r.Confidence)
		d.stopCapture(a, nil)
		d.observer.OnResponseIntent(d, r)
	case r.EndOfUtterance:
		a.logger.Debug("end of utterance")
		d.stopCapture(a, nil)
		d.observer.OnResponseEndOfUtterance(d, r)
	}
}

func (l *listener) OnError(err error) {
	d, a := l.d, l.a

	if !d.terminate(a) {
		a.logger.Debug("stream error after terminal event ignored", "err", err)
		return
	}
	a.logger.Error("recognition stream failed", "err", err)
	d.stopCapture(a, nil)
	d.observer.OnError(d, err)
}

func (l *listener) OnComplete() {
	d, a := l.d, l.a

	if !d.terminate(a) {
		a.logger.Debug("stream completion after terminal event ignored")
		return
	}
	a.logger.Debug("recognition stream completed")
	d.stopCapture(a, nil)
	d.observer.OnComplete(d)
}

func (l *listener) finished() bool {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	return l.a.terminated
}
