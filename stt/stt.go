package stt

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoding of the outbound audio.
type Encoding int

const (
	EncodingUnspecified Encoding = iota
	// EncodingLinear16 is 16-bit signed little-endian PCM.
	EncodingLinear16
)

func (e Encoding) String() string {
	switch e {
	case EncodingLinear16:
		return "LINEAR16"
	default:
		return "UNSPECIFIED"
	}
}

// StreamConfig is carried by the first frame of every stream.
type StreamConfig struct {
	Encoding     Encoding
	SampleRate   int
	LanguageCode string
	// SingleUtterance makes the recognizer stop listening after the first
	// end of utterance.
	SingleUtterance bool
	// Session identifies the logical conversation.
	Session string
}

// Frame is one outbound message: either configuration or audio, never both.
type Frame struct {
	Config *StreamConfig
	Audio  []byte
}

// Response is one inbound recognition event.
type Response struct {
	// Intent is the detected intent name, empty while none was detected.
	Intent     string
	Confidence float64

	Transcript     string
	Final          bool
	EndOfUtterance bool

	// Parameters holds loosely typed values extracted with the intent.
	Parameters *structpb.Struct

	// Raw is the provider message this response was built from.
	Raw proto.Message
}

// Stream is the outbound half of an open recognition stream.
// Send must not retain frame.Audio after it returns.
type Stream interface {
	Send(frame Frame) error
	CloseSend() error
}

// Controller controls an open stream from the receiving side.
type Controller interface {
	Cancel()
}

// Listener receives stream events on goroutines owned by the Client.
//
// OnStart is delivered once before anything else. OnReady hands over the
// stream once it accepts frames. Exactly one of OnError or OnComplete ends
// the stream.
type Listener interface {
	OnStart(c Controller)
	OnReady(s Stream)
	OnResponse(r *Response)
	OnError(err error)
	OnComplete()
}

// Client opens recognition streams.
type Client interface {
	// OpenStream returns immediately; l is called back asynchronously.
	OpenStream(l Listener)

	// Close releases the client. It must not be used afterwards.
	Close() error
}
