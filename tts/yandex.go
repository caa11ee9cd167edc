package tts

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"
)

const (
	YandexTTSEndpoint = "tts.api.cloud.yandex.net:443"
)

type YandexConfig struct {
	Endpoint string
	Insecure bool

	// IamToken takes precedence over ApiKey.
	IamToken string
	ApiKey   string
	FolderID string

	Options SynthesisOptions
}

type YandexTTSClient struct {
	client speechkit.SynthesizerClient
	conn   *grpc.ClientConn
	cfg    YandexConfig
	logger *log.Logger
}

// Ensure YandexTTSClient implements Synthesizer interface
var _ Synthesizer = (*YandexTTSClient)(nil)

func NewYandexTTSClient(cfg YandexConfig, logger *log.Logger, opts ...grpc.DialOption) (*YandexTTSClient, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = YandexTTSEndpoint
	}
	if cfg.Options == (SynthesisOptions{}) {
		cfg.Options = GetDefaultSynthesisOptions()
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

	// Create gRPC connection
	conn, err := grpc.Dial(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS service: %w", err)
	}

	return &YandexTTSClient{
		client: speechkit.NewSynthesizerClient(conn),
		conn:   conn,
		cfg:    cfg,
		logger: logger.WithPrefix("tts"),
	}, nil
}

func (c *YandexTTSClient) Synthesize(ctx context.Context, text string, audioData chan<- []byte) error {
	defer close(audioData)

	// Create context with credentials and folder ID
	auth := "Bearer " + c.cfg.IamToken
	if c.cfg.IamToken == "" {
		auth = "Api-Key " + c.cfg.ApiKey
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		"authorization", auth,
		"x-folder-id", c.cfg.FolderID,
	)

	c.logger.Debug("synthesizing", "text", text, "voice", c.cfg.Options.Voice)
	stream, err := c.client.UtteranceSynthesis(ctx, buildRequest(text, c.cfg.Options))
	if err != nil {
		return fmt.Errorf("failed to start synthesis: %w", err)
	}

	// Read audio data from stream and send to channel
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive audio data: %w", err)
		}

		if audioChunk := resp.GetAudioChunk(); audioChunk != nil {
			select {
			case audioData <- audioChunk.GetData():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// buildRequest asks for raw LINEAR16 PCM so the output can be played
// without decoding.
func buildRequest(text string, options SynthesisOptions) *speechkit.UtteranceSynthesisRequest {
	req := &speechkit.UtteranceSynthesisRequest{}
	req.SetModel(options.Model)
	req.SetText(text)

	// Set voice and speed hints
	voiceHint := &speechkit.Hints{}
	voiceHint.SetVoice(options.Voice)
	speedHint := &speechkit.Hints{}
	speedHint.SetSpeed(options.Speed)
	hints := []*speechkit.Hints{voiceHint, speedHint}
	if options.Volume != 0 {
		volumeHint := &speechkit.Hints{}
		volumeHint.SetVolume(options.Volume)
		hints = append(hints, volumeHint)
	}
	req.SetHints(hints)

	// Set output audio format
	rawAudio := &speechkit.RawAudio{}
	rawAudio.SetAudioEncoding(speechkit.RawAudio_LINEAR16_PCM)
	rawAudio.SetSampleRateHertz(int64(options.SampleRate))
	audioSpec := &speechkit.AudioFormatOptions{}
	audioSpec.SetRawAudio(rawAudio)
	req.SetOutputAudioSpec(audioSpec)

	// Set loudness normalization
	req.SetLoudnessNormalizationType(speechkit.UtteranceSynthesisRequest_LUFS)
	return req
}

func (c *YandexTTSClient) Close() error {
	return c.conn.Close()
}
