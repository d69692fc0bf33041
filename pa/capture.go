package pa

import (
	"context"
	"errors"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/audio"
	"github.com/d1nch8g/ptt/logging"
)

type Config struct {
	SampleRate      float64
	FramesPerBuffer int
	WindowSize      int
}

func GetDefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: 320,
		WindowSize:      60,
	}
}

func (c Config) withDefaults() Config {
	def := GetDefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = def.SampleRate
	}
	if c.FramesPerBuffer == 0 {
		c.FramesPerBuffer = def.FramesPerBuffer
	}
	if c.WindowSize == 0 {
		c.WindowSize = def.WindowSize
	}
	return c
}

func (c Config) bufferDuration() time.Duration {
	return time.Duration(float64(time.Second) * float64(c.FramesPerBuffer) / c.SampleRate)
}

// CaptureDevice reads the default input device and turns each buffer into
// one loudness value. Without an input device it falls back to synthetic
// samples so visualization keeps working.
type CaptureDevice struct {
	config Config
	logger *zap.Logger
	slot   audio.Slot
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

func NewCaptureDevice(config Config, logger *zap.Logger) *CaptureDevice {
	return &CaptureDevice{
		config: config.withDefaults(),
		logger: logging.OrNop(logger).Named("capture"),
	}
}

func (d *CaptureDevice) StartCapture(ctx context.Context) (*audio.CaptureHandle, error) {
	return d.slot.Claim(ctx, d.open)
}

func (d *CaptureDevice) open() (*audio.CaptureHandle, error) {
	if err := Acquire(); err != nil {
		d.logger.Warn("portaudio unavailable, using synthetic samples", zap.Error(err))
		return audio.StartSynthetic(d.config.WindowSize, d.config.bufferDuration()), nil
	}

	if !HasInput() {
		Release()
		d.logger.Info("no input device, using synthetic samples")
		return audio.StartSynthetic(d.config.WindowSize, d.config.bufferDuration()), nil
	}

	buffer := make([]float32, d.config.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, d.config.SampleRate, d.config.FramesPerBuffer, buffer)
	if err != nil {
		Release()
		return nil, &audio.CaptureError{Reason: "open input stream", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		Release()
		return nil, &audio.CaptureError{Reason: "start input stream", Err: err}
	}

	d.logger.Debug("capture started",
		zap.Float64("sample_rate", d.config.SampleRate),
		zap.Int("frames_per_buffer", d.config.FramesPerBuffer))

	return audio.StartLoop(d.config.WindowSize, false, func(ctx context.Context, w *audio.Window) {
		defer Release()
		defer stream.Close()
		defer stream.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				if !errors.Is(err, portaudio.InputOverflowed) {
					d.logger.Warn("error reading audio", zap.Error(err))
				}
				continue
			}
			w.Push(audio.Level(buffer))
		}
	}), nil
}

func (d *CaptureDevice) StopCapture(h *audio.CaptureHandle) {
	if d.slot.Free(h) {
		d.logger.Debug("capture stopped", zap.Bool("synthetic", h.Synthetic()))
	}
}
