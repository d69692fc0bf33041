package tts

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	tts "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"

	"github.com/d1nch8g/ptt/logging"
)

const (
	YandexTTSEndpoint = "tts.api.cloud.yandex.net:443"
)

var ErrEmptyAudio = errors.New("synthesis returned no audio")

type YandexConfig struct {
	ApiKey   string
	FolderID string
	Endpoint string
	Options  Options
}

type YandexTTSClient struct {
	client   tts.SynthesizerClient
	conn     *grpc.ClientConn
	apiKey   string
	folderID string
	options  Options
	logger   *zap.Logger
}

// Ensure YandexTTSClient implements Synthesizer interface
var _ Synthesizer = (*YandexTTSClient)(nil)

func NewYandexTTSClient(config YandexConfig, logger *zap.Logger) (*YandexTTSClient, error) {
	if config.ApiKey == "" {
		return nil, errors.New("yandex api key is required")
	}
	if config.Endpoint == "" {
		config.Endpoint = YandexTTSEndpoint
	}

	// Create TLS credentials
	creds := credentials.NewTLS(&tls.Config{})

	conn, err := grpc.NewClient(config.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS service: %w", err)
	}

	return &YandexTTSClient{
		client:   tts.NewSynthesizerClient(conn),
		conn:     conn,
		apiKey:   config.ApiKey,
		folderID: config.FolderID,
		options:  config.Options.withDefaults(),
		logger:   logging.OrNop(logger).Named("tts"),
	}, nil
}

// Synthesize streams one utterance and returns the assembled WAV file.
func (c *YandexTTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Api-Key "+c.apiKey)
	if c.folderID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-folder-id", c.folderID)
	}

	stream, err := c.client.UtteranceSynthesis(ctx, buildRequest(text, c.options))
	if err != nil {
		return nil, fmt.Errorf("failed to start synthesis: %w", err)
	}

	var audio bytes.Buffer
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive audio data: %w", err)
		}
		if chunk := resp.GetAudioChunk(); chunk != nil {
			audio.Write(chunk.GetData())
		}
	}

	if audio.Len() == 0 {
		return nil, ErrEmptyAudio
	}
	c.logger.Debug("synthesized cue", zap.String("text", text), zap.Int("bytes", audio.Len()))
	return audio.Bytes(), nil
}

func buildRequest(text string, options Options) *tts.UtteranceSynthesisRequest {
	req := &tts.UtteranceSynthesisRequest{}
	req.SetModel(options.Model)
	req.SetText(text)

	voiceHint := &tts.Hints{}
	voiceHint.SetVoice(options.Voice)

	speedHint := &tts.Hints{}
	speedHint.SetSpeed(options.Speed)

	volumeHint := &tts.Hints{}
	volumeHint.SetVolume(options.Volume)

	req.SetHints([]*tts.Hints{voiceHint, speedHint, volumeHint})

	containerAudio := &tts.ContainerAudio{}
	containerAudio.SetContainerAudioType(tts.ContainerAudio_WAV)

	audioSpec := &tts.AudioFormatOptions{}
	audioSpec.SetContainerAudio(containerAudio)
	req.SetOutputAudioSpec(audioSpec)

	req.SetLoudnessNormalizationType(tts.UtteranceSynthesisRequest_LUFS)
	return req
}

func (c *YandexTTSClient) Close() error {
	return c.conn.Close()
}
