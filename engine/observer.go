package engine

import "github.com/d1nch8g/intentd/stt"

// Observer receives the events of every detection attempt.
//
// OnStart comes first. OnError or OnComplete comes last, exactly once per
// attempt. Callbacks are never invoked with the detector locked, so they may
// call back into the Detector, for example to start the next attempt.
type Observer interface {
	OnStart(d *Detector, c stt.Controller)
	// OnResponse receives every response as delivered; r may be nil.
	OnResponse(d *Detector, r *stt.Response)
	// OnResponseIntent follows OnResponse when r carries an intent.
	OnResponseIntent(d *Detector, r *stt.Response)
	// OnResponseEndOfUtterance follows OnResponse when the speaker finished
	// without an intent.
	OnResponseEndOfUtterance(d *Detector, r *stt.Response)
	OnError(d *Detector, err error)
	OnComplete(d *Detector)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Start          func(d *Detector, c stt.Controller)
	Response       func(d *Detector, r *stt.Response)
	Intent         func(d *Detector, r *stt.Response)
	EndOfUtterance func(d *Detector, r *stt.Response)
	Error          func(d *Detector, err error)
	Complete       func(d *Detector)
}

var _ Observer = (*ObserverFuncs)(nil)

func (f *ObserverFuncs) OnStart(d *Detector, c stt.Controller) {
	if f.Start != nil {
		f.Start(d, c)
	}
}

func (f *ObserverFuncs) OnResponse(d *Detector, r *stt.Response) {
	if f.Response != nil {
		f.Response(d, r)
	}
}

func (f *ObserverFuncs) OnResponseIntent(d *Detector, r *stt.Response) {
	if f.Intent != nil {
		f.Intent(d, r)
	}
}

func (f *ObserverFuncs) OnResponseEndOfUtterance(d *Detector, r *stt.Response) {
	if f.EndOfUtterance != nil {
		f.EndOfUtterance(d, r)
	}
}

func (f *ObserverFuncs) OnError(d *Detector, err error) {
	if f.Error != nil {
		f.Error(d, err)
	}
}

func (f *ObserverFuncs) OnComplete(d *Detector) {
	if f.Complete != nil {
		f.Complete(d)
	}
}
