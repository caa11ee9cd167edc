package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
)

const (
	YandexSTTEndpoint = "stt.api.cloud.yandex.net:443"

	// DefaultIntentThreshold is the minimal classifier confidence for a label
	// to count as an intent.
	DefaultIntentThreshold = 0.5
)

var errSendClosed = errors.New("send side of the stream is closed")

type YandexConfig struct {
	Endpoint string
	Insecure bool

	// IamToken takes precedence over ApiKey.
	IamToken string
	ApiKey   string
	FolderID string

	// Classifier names the SpeechKit recognition classifier whose labels
	// are reported as intents. Empty disables intent detection.
	Classifier      string
	IntentThreshold float64
}

// YandexClient streams audio to SpeechKit v3 over gRPC.
type YandexClient struct {
	client speechkit.RecognizerClient
	conn   *grpc.ClientConn
	cfg    YandexConfig
	logger *log.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Ensure YandexClient implements Client interface
var _ Client = (*YandexClient)(nil)

func NewYandexClient(cfg YandexConfig, logger *log.Logger, opts ...grpc.DialOption) (*YandexClient, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = YandexSTTEndpoint
	}
	if cfg.IntentThreshold <= 0 {
		cfg.IntentThreshold = DefaultIntentThreshold
	}
	if logger == nil {
		logger = log.Default()
	}

	// Create TLS credentials
	creds := credentials.NewTLS(&tls.Config{})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)

	conn, err := grpc.Dial(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &YandexClient{
		client: speechkit.NewRecognizerClient(conn),
		conn:   conn,
		cfg:    cfg,
		logger: logger.WithPrefix("stt"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (c *YandexClient) OpenStream(l Listener) {
	requestID := uuid.NewString()
	ctx, cancel := context.WithCancel(c.ctx)
	go c.run(c.outgoing(ctx, requestID), cancel, l, c.logger.With("request", requestID))
}

func (c *YandexClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func (c *YandexClient) outgoing(ctx context.Context, requestID string) context.Context {
	// Create metadata with authorization
	auth := "Bearer " + c.cfg.IamToken
	if c.cfg.IamToken == "" {
		auth = "Api-Key " + c.cfg.ApiKey
	}
	return metadata.AppendToOutgoingContext(ctx,
		"authorization", auth,
		"x-folder-id", c.cfg.FolderID,
		"x-client-request-id", requestID,
	)
}

func (c *YandexClient) run(ctx context.Context, cancel context.CancelFunc, l Listener, logger *log.Logger) {
	defer cancel()

	l.OnStart(cancelController(cancel))

	// Create streaming client
	stream, err := c.client.RecognizeStreaming(ctx)
	if err != nil {
		l.OnError(fmt.Errorf("failed to create streaming client: %w", err))
		return
	}
	logger.Debug("stream ready")
	l.OnReady(&yandexStream{stream: stream, cfg: c.cfg, logger: logger})

	// Handle responses until the stream ends
	conv := &responseConverter{classifier: c.cfg.Classifier, threshold: c.cfg.IntentThreshold}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			logger.Debug("stream completed")
			l.OnComplete()
			return
		}
		if err != nil {
			l.OnError(fmt.Errorf("failed to receive response: %w", err))
			return
		}
		l.OnResponse(conv.convert(resp))
	}
}

type cancelController context.CancelFunc

func (c cancelController) Cancel() { c() }

// yandexStream serializes sends; grpc forbids concurrent SendMsg/CloseSend.
type yandexStream struct {
	mu     sync.Mutex
	stream speechkit.Recognizer_RecognizeStreamingClient
	cfg    YandexConfig
	logger *log.Logger
	closed bool
}

func (s *yandexStream) Send(frame Frame) error {
	req, err := s.request(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSendClosed
	}
	if err := s.stream.Send(req); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (s *yandexStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.CloseSend()
}

func (s *yandexStream) request(frame Frame) (*speechkit.StreamingRequest, error) {
	if frame.Config != nil {
		if frame.Config.Encoding != EncodingLinear16 {
			return nil, fmt.Errorf("unsupported audio encoding %s", frame.Config.Encoding)
		}
		// Send session options
		s.logger.Debug("sending session options",
			"session", frame.Config.Session,
			"language", frame.Config.LanguageCode,
			"sampleRate", frame.Config.SampleRate,
		)
		return sessionOptions(frame.Config, s.cfg), nil
	}

	// Send audio data
	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_Chunk{
			Chunk: &speechkit.AudioChunk{
				Data: frame.Audio,
			},
		},
	}, nil
}

func sessionOptions(cfg *StreamConfig, yc YandexConfig) *speechkit.StreamingRequest {
	options := &speechkit.StreamingOptions{
		RecognitionModel: &speechkit.RecognitionModelOptions{
			AudioFormat: &speechkit.AudioFormatOptions{
				AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
					RawAudio: &speechkit.RawAudio{
						AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
						SampleRateHertz:   int64(cfg.SampleRate),
						AudioChannelCount: 1,
					},
				},
			},
			TextNormalization: &speechkit.TextNormalizationOptions{
				TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
			},
			LanguageRestriction: &speechkit.LanguageRestrictionOptions{
				RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
				LanguageCode:    []string{cfg.LanguageCode},
			},
			AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
		},
	}

	if cfg.SingleUtterance {
		options.EouClassifier = &speechkit.EouClassifierOptions{
			Classifier: &speechkit.EouClassifierOptions_DefaultClassifier{
				DefaultClassifier: &speechkit.DefaultEouClassifier{
					Type: speechkit.DefaultEouClassifier_HIGH,
				},
			},
		}
	}

	if yc.Classifier != "" {
		options.RecognitionClassifier = &speechkit.RecognitionClassifierOptions{
			Classifiers: []*speechkit.RecognitionClassifier{{
				Classifier: yc.Classifier,
				Triggers:   []speechkit.RecognitionClassifier_TriggerType{speechkit.RecognitionClassifier_ON_UTTERANCE},
			}},
		}
	}

	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: options,
		},
	}
}

// responseConverter maps SpeechKit events to Responses for one stream.
type responseConverter struct {
	classifier string
	threshold  float64
	transcript string
}

func (c *responseConverter) convert(resp *speechkit.StreamingResponse) *Response {
	r := &Response{Raw: resp}

	switch {
	case resp.GetFinal() != nil:
		r.Final = true
		r.Transcript = firstText(resp.GetFinal().GetAlternatives())
		if r.Transcript != "" {
			c.transcript = r.Transcript
		}
	case resp.GetPartial() != nil:
		r.Transcript = firstText(resp.GetPartial().GetAlternatives())
	case resp.GetEouUpdate() != nil:
		r.EndOfUtterance = true
	case resp.GetClassifierUpdate() != nil:
		c.classify(r, resp.GetClassifierUpdate().GetClassifierResult())
	}

	return r
}

func (c *responseConverter) classify(r *Response, result *speechkit.RecognitionClassifierResult) {
	if result == nil || (c.classifier != "" && result.GetClassifier() != c.classifier) {
		return
	}

	labels := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	var best *speechkit.RecognitionClassifierLabel
	for _, label := range result.GetLabels() {
		labels.Fields[label.GetLabel()] = structpb.NewNumberValue(label.GetConfidence())
		if best == nil || label.GetConfidence() > best.GetConfidence() {
			best = label
		}
	}
	if best == nil {
		return
	}

	r.Transcript = c.transcript
	r.Confidence = best.GetConfidence()
	if best.GetLabel() != "" && best.GetConfidence() >= c.threshold {
		r.Intent = best.GetLabel()
	}
	r.Parameters = &structpb.Struct{Fields: map[string]*structpb.Value{
		"classifier": structpb.NewStringValue(result.GetClassifier()),
		"confidence": structpb.NewNumberValue(best.GetConfidence()),
		"transcript": structpb.NewStringValue(c.transcript),
		"labels":     structpb.NewStructValue(labels),
	}}
}

func firstText(alternatives []*speechkit.Alternative) string {
	for _, alternative := range alternatives {
		if text := alternative.GetText(); text != "" {
			return text
		}
	}
	return ""
}
