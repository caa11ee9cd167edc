package engine

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/d1nch8g/intentd/audio"
	"github.com/d1nch8g/intentd/stt"
)

func TestDetectorIntentScenario(t *testing.T) {
	t.Parallel()

	source := newFakeSource(chunk(1), chunk(2), chunk(3))
	client := newFakeClient()
	obs := newRecordingObserver()
	d := NewDetector(Config{WindowSize: 4, LanguageCode: "de-DE", SessionID: "s-1", SingleUtterance: true}, source, client, obs, nil)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	ctrl := &fakeController{}
	l.OnStart(ctrl)

	waitFor(t, "first chunk to block the capture loop", func() bool { return source.reads() >= 1 })
	time.Sleep(10 * time.Millisecond)
	if got := d.State(); got != StateStarting {
		t.Fatalf("expected starting state while waiting for the stream, got %s", got)
	}

	stream := newFakeStream()
	l.OnReady(stream)
	waitFor(t, "queued chunks to be sent", func() bool { return len(stream.audio()) >= 3 })
	if got := d.State(); got != StateStreaming {
		t.Fatalf("expected streaming state, got %s", got)
	}

	l.OnResponse(&stt.Response{Transcript: "hel"})
	l.OnResponse(&stt.Response{Intent: "greet", Confidence: 0.9})
	stream.awaitClosed(t)
	l.OnComplete()

	frames := stream.snapshot()
	cfg := frames[0].Config
	if cfg == nil {
		t.Fatalf("expected configuration as the first frame, got %+v", frames[0])
	}
	want := stt.StreamConfig{
		Encoding:        stt.EncodingLinear16,
		SampleRate:      audio.SampleRate,
		LanguageCode:    "de-DE",
		SingleUtterance: true,
		Session:         "s-1",
	}
	if *cfg != want {
		t.Fatalf("unexpected configuration frame: %+v", *cfg)
	}
	for i, f := range frames[1:] {
		if f.Config != nil {
			t.Fatalf("configuration frame repeated at position %d", i+1)
		}
	}
	if got := stream.audio()[:3]; !slices.EqualFunc(got, [][]byte{chunk(1), chunk(2), chunk(3)}, slices.Equal[[]byte]) {
		t.Fatalf("expected chunks in production order, got %v", got)
	}
	if v := stream.violations(); len(v) > 0 {
		t.Fatalf("stream misuse: %v", v)
	}

	wantEvents := []string{"start", "response", "response", "intent:greet", "complete"}
	if got := obs.snapshot(); !slices.Equal(got, wantEvents) {
		t.Fatalf("unexpected observer events:\n got %v\nwant %v", got, wantEvents)
	}
	waitFor(t, "detector to become idle", func() bool { return d.State() == StateIdle })
	if d.IsStopRequested() {
		t.Fatalf("a stop caused by an intent must not count as requested")
	}
	if ctrl.cancels.Load() != 0 {
		t.Fatalf("controller must not be cancelled on success")
	}
}

func TestDetectorStopsCaptureOncePerAttempt(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	logger := log.NewWithOptions(out, log.Options{Level: log.DebugLevel})
	client := newFakeClient()
	obs := newRecordingObserver()
	d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, obs, logger)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})
	stream := newFakeStream()
	l.OnReady(stream)

	l.OnResponse(&stt.Response{Intent: "greet"})
	l.OnResponse(&stt.Response{Intent: "greet"})
	l.OnResponse(&stt.Response{EndOfUtterance: true})
	stopped := make(chan struct{})
	d.RequestStop(func() { close(stopped) })
	awaitClosed(t, stopped, "stop callback")
	stream.awaitClosed(t)
	l.OnComplete()

	if got := strings.Count(out.String(), "stopping capture"); got != 1 {
		t.Fatalf("expected a single capture stop request, got %d", got)
	}
	want := []string{"start", "response", "intent:greet", "response", "intent:greet", "response", "eou", "complete"}
	if got := obs.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("unexpected observer events:\n got %v\nwant %v", got, want)
	}
}

func TestDetectorForwardsNilResponse(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	obs := newRecordingObserver()
	d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, obs, nil)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})
	l.OnReady(newFakeStream())

	l.OnResponse(nil)
	if got := obs.snapshot(); !slices.Equal(got, []string{"start", "response"}) {
		t.Fatalf("expected nil response to reach the observer, got %v", got)
	}
	if !d.IsActive() {
		t.Fatalf("a nil response must not stop detection")
	}
	d.RequestStop(nil)
}

func TestDetectorCloseRacingStart(t *testing.T) {
	t.Parallel()

	for range 50 {
		client := newFakeClient()
		d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, nil, nil)

		started := make(chan error, 1)
		go func() { started <- d.StartIntentDetection(nil) }()
		if err := d.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if err := <-started; err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("unexpected start error: %v", err)
		}

		waitFor(t, "attempt started before close to stop", func() bool { return !d.IsRunning() })
		if client.closes.Load() != 1 {
			t.Fatalf("expected client to be closed once, got %d", client.closes.Load())
		}
	}
}

func TestDetectorSecondStartIsNoop(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	client := newFakeClient()
	d := NewDetector(Config{WindowSize: 4}, source, client, nil, nil)

	var inits atomic.Int32
	setup := func(*audio.CaptureSession) { inits.Add(1) }
	if err := d.StartIntentDetection(setup); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := d.StartIntentDetection(setup); err != nil {
		t.Fatalf("second start must be a silent no-op, got %v", err)
	}
	client.awaitListener(t)

	if source.opens.Load() != 1 || inits.Load() != 1 {
		t.Fatalf("expected one capture session, got %d opens and %d inits", source.opens.Load(), inits.Load())
	}
	if !d.IsActive() {
		t.Fatalf("expected detector to be active")
	}

	stopped := make(chan struct{})
	d.RequestStop(func() { close(stopped) })
	awaitClosed(t, stopped, "stop callback")
	if client.opened() != 1 {
		t.Fatalf("expected a single stream, got %d", client.opened())
	}
}

func TestDetectorRequestStopTwice(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, nil, nil)
	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})
	stream := newFakeStream()
	l.OnReady(stream)

	var first, second atomic.Int32
	d.RequestStop(func() { first.Add(1) })
	if !d.IsStopRequested() || d.IsActive() {
		t.Fatalf("expected stop to be requested and the detector inactive")
	}
	d.RequestStop(func() { second.Add(1) })

	stream.awaitClosed(t)
	waitFor(t, "detector to become idle", func() bool { return d.State() == StateIdle })

	if first.Load() != 1 {
		t.Fatalf("expected first callback exactly once, got %d", first.Load())
	}
	if second.Load() != 0 {
		t.Fatalf("second callback must not run, got %d", second.Load())
	}
	if stream.closes() != 1 {
		t.Fatalf("expected a single close, got %d", stream.closes())
	}

	idle := false
	d.RequestStop(func() { idle = true })
	if !idle {
		t.Fatalf("expected callback to fire right away when nothing runs")
	}
}

func TestDetectorCloseMidStream(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, nil, nil)

	var session *audio.CaptureSession
	if err := d.StartIntentDetection(func(s *audio.CaptureSession) { session = s }); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})

	stream := newFakeStream()
	stream.beforeClose = func() error {
		if session.State() != audio.StateStopped {
			return errors.New("send side closed before the capture loop stopped")
		}
		return nil
	}
	l.OnReady(stream)
	waitFor(t, "audio to flow", func() bool { return len(stream.audio()) > 0 })

	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	stream.awaitClosed(t)

	if v := stream.violations(); len(v) > 0 {
		t.Fatalf("stream misuse: %v", v)
	}
	if client.closes.Load() != 1 {
		t.Fatalf("expected client to be closed once, got %d", client.closes.Load())
	}
	if err := d.StartIntentDetection(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestDetectorReadyTimeout(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	obs := newRecordingObserver()
	d := NewDetector(Config{WindowSize: 4, ReadyTimeout: 100 * time.Millisecond}, newFakeSource(), client, obs, nil)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	ctrl := &fakeController{}
	l.OnStart(ctrl)

	err := obs.awaitTerminal(t)
	if !errors.Is(err, ErrStreamNotReady) {
		t.Fatalf("expected ErrStreamNotReady, got %v", err)
	}
	if ctrl.cancels.Load() != 1 {
		t.Fatalf("expected stream to be cancelled once, got %d", ctrl.cancels.Load())
	}
	waitFor(t, "detector to become idle", func() bool { return d.State() == StateIdle })

	l.OnError(context.Canceled)
	l.OnComplete()
	l.OnResponse(&stt.Response{Intent: "late"})

	stream := newFakeStream()
	l.OnReady(stream)
	if stream.closes() != 1 {
		t.Fatalf("expected late stream to be closed right away, got %d closes", stream.closes())
	}
	if frames := stream.snapshot(); len(frames) != 0 {
		t.Fatalf("late stream must not carry frames, got %d", len(frames))
	}

	if got := obs.snapshot(); !slices.Equal(got, []string{"start", "error"}) {
		t.Fatalf("expected a single terminal event, got %v", got)
	}
}

func TestDetectorErrorStopsCapture(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	obs := newRecordingObserver()
	d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, obs, nil)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})
	stream := newFakeStream()
	l.OnReady(stream)

	boom := errors.New("unavailable")
	l.OnError(boom)
	if err := obs.awaitTerminal(t); !errors.Is(err, boom) {
		t.Fatalf("expected forwarded error, got %v", err)
	}
	stream.awaitClosed(t)
	waitFor(t, "detector to become idle", func() bool { return !d.IsRunning() && d.State() == StateIdle })

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	client.awaitListener(t)
	d.RequestStop(nil)
}

func TestDetectorEndOfUtterance(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	obs := newRecordingObserver()
	d := NewDetector(Config{WindowSize: 4}, newFakeSource(), client, obs, nil)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})
	stream := newFakeStream()
	l.OnReady(stream)

	l.OnResponse(&stt.Response{EndOfUtterance: true})
	if got := d.State(); got != StateStopRequested && got != StateDraining && got != StateIdle {
		t.Fatalf("expected capture to be stopping, got %s", got)
	}
	stream.awaitClosed(t)
	l.OnComplete()

	if got := obs.snapshot(); !slices.Equal(got, []string{"start", "response", "eou", "complete"}) {
		t.Fatalf("unexpected observer events: %v", got)
	}
}

func TestDetectorObserverMayRestart(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	var d *Detector
	restarted := make(chan error, 1)
	obs := &ObserverFuncs{
		Intent: func(d *Detector, _ *stt.Response) {
			restarted <- d.StartIntentDetection(nil)
		},
	}
	d = NewDetector(Config{WindowSize: 4}, newFakeSource(), client, obs, nil)

	if err := d.StartIntentDetection(nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	l := client.awaitListener(t)
	l.OnStart(&fakeController{})
	first := newFakeStream()
	l.OnReady(first)
	l.OnResponse(&stt.Response{Intent: "next"})

	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("restart from observer failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("observer callback deadlocked")
	}

	next := client.awaitListener(t)
	first.awaitClosed(t)
	if !d.IsActive() {
		t.Fatalf("expected the new attempt to stay active after the old one drained")
	}

	next.OnStart(&fakeController{})
	second := newFakeStream()
	next.OnReady(second)
	d.RequestStop(nil)
	second.awaitClosed(t)
}

func TestDetectorDeviceError(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.err = errors.New("busy")
	client := newFakeClient()
	d := NewDetector(Config{}, source, client, nil, nil)

	err := d.StartIntentDetection(nil)
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if d.IsRunning() || d.State() != StateIdle {
		t.Fatalf("detector must stay idle after a device error")
	}
	if client.opened() != 0 {
		t.Fatalf("no stream may be opened when the device fails")
	}
}

func TestNewDetectorDefaults(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{}, newFakeSource(), newFakeClient(), nil, nil)
	if d.cfg.SampleRate != audio.SampleRate || d.cfg.WindowSize != audio.WindowSize {
		t.Fatalf("unexpected audio defaults: %+v", d.cfg)
	}
	if d.cfg.LanguageCode != DefaultLanguageCode || d.cfg.SessionID == "" {
		t.Fatalf("expected language and session defaults, got %+v", d.cfg)
	}
	if !DefaultConfig().SingleUtterance {
		t.Fatalf("reference configuration is single utterance")
	}
}

type fakeDevice struct {
	source *fakeSource
	mu     sync.Mutex
	script [][]byte
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.source.readCount.Add(1)
	d.mu.Lock()
	if len(d.script) == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		clear(p)
		return len(p), nil
	}
	c := d.script[0]
	d.script = d.script[1:]
	d.mu.Unlock()
	return copy(p, c), nil
}

func (d *fakeDevice) Close() error { return nil }

type fakeSource struct {
	script    [][]byte
	err       error
	opens     atomic.Int32
	readCount atomic.Int32
}

func newFakeSource(script ...[]byte) *fakeSource {
	return &fakeSource{script: script}
}

func (s *fakeSource) Open(int) (audio.Device, error) {
	s.opens.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &fakeDevice{source: s, script: slices.Clone(s.script)}, nil
}

func (s *fakeSource) reads() int32 { return s.readCount.Load() }

type fakeClient struct {
	listeners chan stt.Listener
	opens     atomic.Int32
	closes    atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{listeners: make(chan stt.Listener, 4)}
}

func (c *fakeClient) OpenStream(l stt.Listener) {
	c.opens.Add(1)
	c.listeners <- l
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeClient) opened() int32 { return c.opens.Load() }

func (c *fakeClient) awaitListener(t *testing.T) stt.Listener {
	t.Helper()
	select {
	case l := <-c.listeners:
		return l
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a stream to be opened")
		return nil
	}
}

type fakeController struct {
	cancels atomic.Int32
}

func (c *fakeController) Cancel() { c.cancels.Add(1) }

type fakeStream struct {
	beforeClose func() error

	mu       sync.Mutex
	frames   []stt.Frame
	closeCnt int
	problems []string
	closed   chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{closed: make(chan struct{})}
}

func (s *fakeStream) Send(f stt.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCnt > 0 {
		s.problems = append(s.problems, "send after close")
		return errors.New("closed")
	}
	if f.Config == nil && len(s.frames) == 0 {
		s.problems = append(s.problems, "audio before configuration")
	}
	f.Audio = slices.Clone(f.Audio)
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeStream) CloseSend() error {
	if s.beforeClose != nil {
		if err := s.beforeClose(); err != nil {
			s.mu.Lock()
			s.problems = append(s.problems, err.Error())
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCnt++
	if s.closeCnt == 1 {
		close(s.closed)
	} else {
		s.problems = append(s.problems, "closed twice")
	}
	return nil
}

func (s *fakeStream) snapshot() []stt.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

func (s *fakeStream) audio() [][]byte {
	var out [][]byte
	for _, f := range s.snapshot() {
		if f.Config == nil {
			out = append(out, f.Audio)
		}
	}
	return out
}

func (s *fakeStream) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCnt
}

func (s *fakeStream) violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.problems)
}

func (s *fakeStream) awaitClosed(t *testing.T) {
	t.Helper()
	awaitClosed(t, s.closed, "send side to be closed")
}

type recordingObserver struct {
	ObserverFuncs

	mu       sync.Mutex
	events   []string
	terminal chan error
}

func newRecordingObserver() *recordingObserver {
	o := &recordingObserver{terminal: make(chan error, 4)}
	o.ObserverFuncs = ObserverFuncs{
		Start:          func(*Detector, stt.Controller) { o.add("start") },
		Response:       func(*Detector, *stt.Response) { o.add("response") },
		Intent:         func(_ *Detector, r *stt.Response) { o.add("intent:" + r.Intent) },
		EndOfUtterance: func(*Detector, *stt.Response) { o.add("eou") },
		Error: func(_ *Detector, err error) {
			o.add("error")
			o.terminal <- err
		},
		Complete: func(*Detector) {
			o.add("complete")
			o.terminal <- nil
		},
	}
	return o
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.events)
}

func (o *recordingObserver) awaitTerminal(t *testing.T) error {
	t.Helper()
	select {
	case err := <-o.terminal:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a terminal event")
		return nil
	}
}

func chunk(v byte) []byte {
	return []byte{v, v, v, v}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func awaitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
