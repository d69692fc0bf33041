package pa

import (
	"context"
	"errors"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/logging"
)

// Microphone streams 16-bit mono frames for the channel uplink. It stays
// open for the whole time in a channel; whether frames leave the device is
// decided by the transmit switch downstream.
type Microphone struct {
	config Config
	logger *zap.Logger
}

func NewMicrophone(config Config, logger *zap.Logger) *Microphone {
	return &Microphone{
		config: config.withDefaults(),
		logger: logging.OrNop(logger).Named("microphone"),
	}
}

// Open starts streaming until ctx is done; the returned channel is closed
// afterwards. Slow consumers lose frames rather than stall the device.
func (m *Microphone) Open(ctx context.Context) (<-chan []int16, error) {
	frames := make(chan []int16, 16)

	if err := Acquire(); err != nil {
		m.logger.Warn("portaudio unavailable, uplink sends silence", zap.Error(err))
		go m.silence(ctx, frames, false)
		return frames, nil
	}
	if !HasInput() {
		m.logger.Info("no input device, uplink sends silence")
		go m.silence(ctx, frames, true)
		return frames, nil
	}

	buffer := make([]int16, m.config.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, m.config.SampleRate, m.config.FramesPerBuffer, buffer)
	if err != nil {
		Release()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		Release()
		return nil, err
	}

	go func() {
		defer close(frames)
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
					m.logger.Warn("error reading audio", zap.Error(err))
				}
				continue
			}

			frame := make([]int16, len(buffer))
			copy(frame, buffer)
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			default:
				// Drop audio if channel is full
			}
		}
	}()

	return frames, nil
}

func (m *Microphone) silence(ctx context.Context, frames chan<- []int16, acquired bool) {
	defer close(frames)
	if acquired {
		defer Release()
	}

	ticker := time.NewTicker(m.config.bufferDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case frames <- make([]int16, m.config.FramesPerBuffer):
			default:
			}
		}
	}
}
