package intent

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/d1nch8g/intentd/stt"
)

// Unknown is reported when no intent could be inferred from the utterance,
// usually because no intent matches the command or the audio was too noisy.
const Unknown = "unknown"

// Result is a read-only view of a recognition response.
type Result struct {
	name string
	resp *stt.Response
}

// Parse wraps r. A nil response or one without an intent yields Unknown.
func Parse(r *stt.Response) Result {
	if r == nil || r.Intent == "" {
		return Result{name: Unknown, resp: r}
	}
	return Result{name: r.Intent, resp: r}
}

func (r Result) Name() string {
	if r.name == "" {
		return Unknown
	}
	return r.name
}

func (r Result) Known() bool {
	return r.Name() != Unknown
}

func (r Result) Confidence() float64 {
	if r.resp == nil {
		return 0
	}
	return r.resp.Confidence
}

func (r Result) Transcript() string {
	if r.resp == nil {
		return ""
	}
	return r.resp.Transcript
}

// Response returns the wrapped response, nil when there was none.
func (r Result) Response() *stt.Response {
	return r.resp
}

func (r Result) String(key string) (string, bool) {
	v, ok := r.field(key)
	if !ok {
		return "", false
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return s.StringValue, true
}

func (r Result) Number(key string) (float64, bool) {
	v, ok := r.field(key)
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func (r Result) Bool(key string) (bool, bool) {
	v, ok := r.field(key)
	if !ok {
		return false, false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, false
	}
	return b.BoolValue, true
}

func (r Result) field(key string) (*structpb.Value, bool) {
	if r.resp == nil || r.resp.Parameters == nil {
		return nil, false
	}
	v, ok := r.resp.Parameters.GetFields()[key]
	return v, ok && v != nil
}
